// Package task implements task control blocks and the process table.
//
// A task is one schedulable user process: a PID, a kernel stack slot and a
// cell holding its status, saved context, trap frame, address space,
// descriptor table and process tree links. The Table is an arena indexed
// by PID; parents and children refer to each other by PID only.
//
// Holders of a task are counted explicitly. A task created by NewInit, Fork
// or Spawn carries one hold for the caller, which is normally passed on to
// the scheduler; the parent's child list takes a second. Wait may only reap
// a zombie whose single remaining holder is that child list.
package task
