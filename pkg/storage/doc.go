/*
Package storage persists coordinator state for provisor.

The engine only needs two calls from its persistence layer: Snapshot, made
after every deployment change with the full serialized state, and Recover,
made once on start. The Persister interface captures exactly that; the
bytes are opaque here.

# Architecture

	┌──────────────────────── JOURNAL ─────────────────────────┐
	│                                                            │
	│  Snapshot(state)                                           │
	│        │                                                   │
	│        ▼                                                   │
	│  ┌──────────────────────────────┐                         │
	│  │ journal.db (raft-boltdb)      │  one raft.Log per call  │
	│  │ index 1, 2, 3 ... N           │  Term 1, LogCommand     │
	│  └──────────────┬───────────────┘                         │
	│                 │ every CheckpointEvery entries           │
	│                 ▼                                          │
	│  ┌──────────────────────────────┐                         │
	│  │ provisor.db (bbolt)           │                         │
	│  │  checkpoint/ index, state     │                         │
	│  │  deployments/ <name> -> JSON  │                         │
	│  └──────────────────────────────┘                         │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Checkpointing copies the newest entry into the BoltStore and deletes every
log entry before it. The checkpointed entry itself stays in the log so the
next append continues from its index. Recover compares the last log index
with the checkpoint index and returns whichever state is newer.

# Deployment Records

BoltStore also implements DeploymentStore: one JSON record per deployment
(mode, state, status, counts, deployment dates). The deployment manager
writes them next to each snapshot so `provisor deployments` can list what a
stopped coordinator was managing without decoding a snapshot.

# Usage

	j, err := storage.OpenJournal(storage.JournalConfig{
		DataDir: "/var/lib/provisor",
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer j.Close()

	state, err := j.Recover()
	...
	err = j.Snapshot(state)

Tests that do not care about disk use MemoryPersister.
*/
package storage
