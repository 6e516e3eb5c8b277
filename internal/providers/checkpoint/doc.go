// Package checkpoint dumps and restores session process trees with criu(8).
//
// A dump is complete only once the COMPLETE marker exists in the image
// directory. The marker carries the dump id, size and the degradations a
// restored tree may show (best-effort TCP, no GPU state, restricted shared
// memory).
package checkpoint
