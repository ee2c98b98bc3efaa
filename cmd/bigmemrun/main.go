// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigmemrun is a bigmem demo program that spreads a distributed
// allocation over a group of bigmachine machines, optionally loading
// it from a set of files and storing it back out as per-rank part
// files. The files named by its arguments are loaded; with -store,
// each rank writes its partition to "<prefix>-NNN-of-MMM".
//
// Paths are grailfile paths, so inputs and outputs may name local
// files or S3 objects.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/memio"
	"github.com/grailbio/bigmem/stats"
	"github.com/grailbio/bigmem/tcpmesh"
	"golang.org/x/sync/errgroup"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

type runRequest struct {
	ID          bigmem.UniqueID
	Rank, Size  int
	TotalSize   int64
	Granularity int64
	Offset      int64
	MemoryEntry int64
	FileEntry   int64
	Load        []string
	Store       string
}

type runReply struct {
	Stats stats.Values
}

// worker is the service installed on each machine; each machine
// hosts exactly one rank of the group.
type worker struct {
	// Exported satisfies gob, which refuses values with no exported
	// fields.
	Exported struct{}
}

func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) error {
	if err := bigmem.Init(); err != nil {
		return err
	}
	defer bigmem.Finalize()
	c, err := bigmem.Create(ctx, req.ID, req.Rank, req.Size)
	if err != nil {
		return err
	}
	if err := c.SetDistributedBackend(bigmem.BackendP2P); err != nil {
		return err
	}
	m, err := bigmem.Alloc(ctx, c, req.TotalSize, req.Granularity, bigmem.MemoryTypeDistributed, bigmem.MemoryLocationHost)
	if err != nil {
		return err
	}
	if len(req.Load) > 0 {
		if err := memio.LoadFromFile(ctx, m, req.Offset, req.MemoryEntry, req.FileEntry, req.Load...); err != nil {
			return err
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return err
	}
	if req.Store != "" {
		part := fmt.Sprintf("%s-%03d-of-%03d", req.Store, req.Rank, req.Size)
		if err := memio.StoreToFile(ctx, m, req.Offset, req.MemoryEntry, req.FileEntry, part); err != nil {
			return err
		}
	}
	if err := m.Free(ctx); err != nil {
		return err
	}
	if err := c.Destroy(ctx); err != nil {
		return err
	}
	reply.Stats = make(stats.Values)
	c.Stats().AddAll(reply.Stats)
	return nil
}

func main() {
	var (
		ranks       = flag.Int("ranks", 2, "number of ranks in the group")
		size        = flag.Int64("size", 1<<20, "total allocation size in bytes")
		granularity = flag.Int64("granularity", 256, "partitioning granularity in bytes")
		memoryEntry = flag.Int64("memory-entry", 256, "in-memory entry stride in bytes")
		fileEntry   = flag.Int64("file-entry", 256, "on-disk entry size in bytes")
		offset      = flag.Int64("offset", 0, "memory offset at which entry 0 begins")
		store       = flag.String("store", "", "path prefix for per-rank output files")
		rendezvous  = flag.String("rendezvous", "", "host:port for the group root; picked on localhost if empty")
		system      = flag.String("system", "local", `bigmachine system on which the ranks run: "local" or "ec2[:instance-type]"`)
	)
	log.AddFlags()
	flag.Parse()
	sys, err := parseSystem(*system)
	if err != nil {
		log.Fatal(err)
	}
	b := bigmachine.Start(sys)
	defer b.Shutdown()

	addr := *rendezvous
	if addr == "" {
		if *system != "local" {
			log.Fatal("-rendezvous is required off-host: the machines must be able to reach the group root")
		}
		// Pick a free localhost port for the root. The port can be
		// taken again between closing the probe listener and the
		// root's own listen; rerun on that rare collision.
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.Fatal(err)
		}
		addr = l.Addr().String()
		l.Close()
	}
	id, err := tcpmesh.NewUniqueID(addr)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	machines, err := b.Start(ctx, *ranks, bigmachine.Services{"Worker": &worker{}})
	if err != nil {
		log.Fatal(err)
	}
	if len(machines) < *ranks {
		log.Fatalf("started %d machines, need %d", len(machines), *ranks)
	}
	log.Printf("running %d ranks rooted at %s", *ranks, addr)
	replies := make([]runReply, *ranks)
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				return fmt.Errorf("machine %s: %v", m.Addr, err)
			}
			req := runRequest{
				ID:          id,
				Rank:        i,
				Size:        *ranks,
				TotalSize:   *size,
				Granularity: *granularity,
				Offset:      *offset,
				MemoryEntry: *memoryEntry,
				FileEntry:   *fileEntry,
				Load:        flag.Args(),
				Store:       *store,
			}
			return m.Call(ctx, "Worker.Run", req, &replies[i])
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	all := make(stats.Values)
	for _, reply := range replies {
		all.Add(reply.Stats)
	}
	log.Printf("done: %s", all)
}

// parseSystem resolves the -system flag: "local", or "ec2" with an
// optional instance type, as in "ec2:r3.8xlarge".
func parseSystem(s string) (bigmachine.System, error) {
	parts := strings.SplitN(s, ":", 2)
	switch parts[0] {
	case "local":
		return bigmachine.Local, nil
	case "ec2":
		sys := new(ec2system.System)
		if len(parts) == 2 {
			sys.InstanceType = parts[1]
		}
		return sys, nil
	}
	return nil, fmt.Errorf("unknown system %q", s)
}
