// Package mm implements simulated physical memory and the virtual memory
// manager.
//
// Physical memory is a byte arena carved into 4 KiB frames handed out by a
// FrameAllocator. Every address space is a MemorySet: an SV39 page table
// whose table frames live in that arena, plus an ordered set of disjoint
// MapAreas describing what is mapped and where its frames come from.
//
// The package also provides the user-pointer translation used by system
// calls. Buffers are returned as per-page slices so values that straddle a
// page boundary are copied with ScatterWrite and GatherRead.
package mm
