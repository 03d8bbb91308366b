// Package fs defines the filesystem capability consumed by the kernel: open
// files that move bytes to and from translated user memory, inode-backed
// nodes with identity and link counts, and a FileSystem that resolves paths.
//
// The console files Stdin and Stdout implement File only. They have no inode,
// so fstat on them fails.
//
// The in-memory implementation lives in package memfs:
//
//	root := memfs.New()
//	root.WriteFile("hello", image)
//	node, err := root.Open("hello", abi.OpenRead)
//	if err != nil {
//		return err
//	}
//	defer node.Close()
package fs
