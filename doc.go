// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigmem implements a distributed shared-memory abstraction
	for a fixed group of cooperating ranks. A group of workers, each
	identified by a rank, forms a communicator from a shared opaque
	token; collective allocations made on the communicator are
	partitioned across the ranks by a deterministic plan, and each
	rank addresses the allocation through its local partition, through
	peer partitions, or through a global reference, depending on the
	allocation's memory type.

	The ranks of a group are connected by a transport. Package
	loopback connects goroutines of one process and provides a shared
	address space, so all memory types are available; package tcpmesh
	connects processes over TCP, where only the distributed memory
	type is. Importing a transport package registers it; the token
	names the transport that minted it.

	A typical rank looks like:

		if err := bigmem.Init(); err != nil { ... }
		c, err := bigmem.Create(ctx, token, rank, size)
		m, err := bigmem.Alloc(ctx, c, 1<<30, 128,
			bigmem.MemoryTypeContinuous, bigmem.MemoryLocationHost)
		local, err := m.Local()
		// ... fill local.Data ...
		err = c.Barrier(ctx)
		ref, err := m.Ref()
		b, err := ref.At(0, 128) // address any rank's bytes
		err = m.Free(ctx)
		err = c.Destroy(ctx)
		err = bigmem.Finalize()

	Alloc, Free, Barrier, and Destroy are collective: every rank of
	the group must call them, in the same order, with the same
	arguments. The library verifies argument agreement where it is
	cheap to do so (allocation arguments are fingerprinted and
	exchanged), and it propagates one rank's failure to all ranks
	before any rank can block on a collective its peers will never
	reach.

	Package memio loads allocations from and stores them to files,
	converting between the file's entry stride and the in-memory
	stride; paths are resolved through github.com/grailbio/base/file,
	so s3:// objects work wherever a file name is accepted.
*/
package bigmem
