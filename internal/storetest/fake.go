// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package storetest provides an in-memory RemoteStore used by the engine's
// test suites. It records every write call, can be told to fail the next N
// writes, and delivers subscription snapshots synchronously on every
// mutation.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Call is one recorded write invocation.
type Call struct {
	Kind driftsync.OpKind
	Path string
	Data map[string]any
}

type fakeSub struct {
	target   driftsync.Target
	onChange func(driftsync.Snapshot)
	prev     []driftsync.Document
	gone     bool
}

// Fake is an in-memory RemoteStore.
type Fake struct {
	mu           sync.Mutex
	docs         map[string]map[string]any
	calls        []Call
	failuresLeft int // -1 = fail every write
	failErr      error
	idSeq        int
	subs         []*fakeSub
}

// NewFake creates an empty fake store.
func NewFake() *Fake {
	return &Fake{docs: make(map[string]map[string]any)}
}

// FailWrites makes the next n Write calls fail with err (a NetworkError
// when err is nil). n < 0 fails every write until reset with FailWrites(0, nil).
func (f *Fake) FailWrites(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = &driftsync.NetworkError{Op: "write", Err: fmt.Errorf("connection refused")}
	}
	f.failuresLeft = n
	f.failErr = err
}

// Calls returns a copy of every successful write invocation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Doc returns a copy of the stored document data at path.
func (f *Fake) Doc(path string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[path]
	if !ok {
		return nil, false
	}
	return clone(data), true
}

// SetDoc seeds a document directly, bypassing call recording.
func (f *Fake) SetDoc(path string, data map[string]any) {
	f.mu.Lock()
	f.docs[path] = clone(data)
	f.mu.Unlock()
	f.notifyAll()
}

// DocCount returns the number of stored documents.
func (f *Fake) DocCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *Fake) Write(_ context.Context, kind driftsync.OpKind, path string, data map[string]any) (*driftsync.Document, error) {
	f.mu.Lock()
	if f.failuresLeft != 0 {
		if f.failuresLeft > 0 {
			f.failuresLeft--
		}
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	f.calls = append(f.calls, Call{Kind: kind, Path: path, Data: clone(data)})

	var doc *driftsync.Document
	switch kind {
	case driftsync.OpCreate:
		id, _ := data["id"].(string)
		if id == "" {
			f.idSeq++
			id = fmt.Sprintf("doc-%d", f.idSeq)
		}
		stored := clone(data)
		stored["id"] = id
		docPath := path + "/" + id
		f.docs[docPath] = stored
		doc = &driftsync.Document{Path: docPath, Data: clone(stored), Exists: true}
	case driftsync.OpUpdate:
		existing, ok := f.docs[path]
		if !ok {
			f.mu.Unlock()
			return nil, &driftsync.NotFoundError{Path: path}
		}
		for k, v := range data {
			existing[k] = v
		}
		doc = &driftsync.Document{Path: path, Data: clone(existing), Exists: true}
	case driftsync.OpDelete:
		delete(f.docs, path)
		doc = &driftsync.Document{Path: path, Exists: false}
	default:
		f.mu.Unlock()
		return nil, &driftsync.ValidationError{Msg: fmt.Sprintf("unknown operation kind %q", kind)}
	}
	f.mu.Unlock()
	f.notifyAll()
	return doc, nil
}

func (f *Fake) RunTransaction(_ context.Context, body func(tx driftsync.Transaction) error) error {
	tx := &fakeTx{fake: f}
	if err := body(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}
	f.mu.Lock()
	for _, w := range tx.writes {
		if err := f.applyLocked(w); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Unlock()
	f.notifyAll()
	return nil
}

func (f *Fake) RunBatch(_ context.Context, ops []driftsync.BatchOp) error {
	f.mu.Lock()
	// Validate everything up front so a failing entry leaves no changes.
	for _, op := range ops {
		if op.Kind == driftsync.BatchUpdate {
			if _, ok := f.docs[op.Path]; !ok {
				f.mu.Unlock()
				return &driftsync.NotFoundError{Path: op.Path}
			}
		}
	}
	for _, op := range ops {
		if err := f.applyLocked(commitOp{kind: op.Kind, path: op.Path, data: op.Data, merge: op.Merge}); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Unlock()
	f.notifyAll()
	return nil
}

type commitOp struct {
	kind  driftsync.BatchKind
	path  string
	data  map[string]any
	merge bool
}

func (f *Fake) applyLocked(op commitOp) error {
	switch op.kind {
	case driftsync.BatchSet:
		if op.merge {
			existing, ok := f.docs[op.path]
			if ok {
				for k, v := range op.data {
					existing[k] = v
				}
				return nil
			}
		}
		f.docs[op.path] = clone(op.data)
	case driftsync.BatchUpdate:
		existing, ok := f.docs[op.path]
		if !ok {
			return &driftsync.NotFoundError{Path: op.path}
		}
		for k, v := range op.data {
			existing[k] = v
		}
	case driftsync.BatchDelete:
		delete(f.docs, op.path)
	}
	return nil
}

type fakeTx struct {
	fake   *Fake
	writes []commitOp
	err    error
}

func (t *fakeTx) Get(_ context.Context, path string) (*driftsync.Document, error) {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	data, ok := t.fake.docs[path]
	if !ok {
		return &driftsync.Document{Path: path, Exists: false}, nil
	}
	return &driftsync.Document{Path: path, Data: clone(data), Exists: true}, nil
}

func (t *fakeTx) Set(path string, data map[string]any, merge bool) {
	t.writes = append(t.writes, commitOp{kind: driftsync.BatchSet, path: path, data: clone(data), merge: merge})
}

func (t *fakeTx) Update(path string, data map[string]any) {
	t.writes = append(t.writes, commitOp{kind: driftsync.BatchUpdate, path: path, data: clone(data)})
}

func (t *fakeTx) Delete(path string) {
	t.writes = append(t.writes, commitOp{kind: driftsync.BatchDelete, path: path})
}

func (f *Fake) Subscribe(_ context.Context, target driftsync.Target, onChange func(driftsync.Snapshot), _ func(error)) (driftsync.UnsubscribeFunc, error) {
	sub := &fakeSub{target: target, onChange: onChange}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	snap, cur := f.snapshotLocked(target, nil)
	sub.prev = cur
	f.mu.Unlock()
	onChange(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			sub.gone = true
			f.mu.Unlock()
		})
	}, nil
}

// notifyAll redelivers snapshots to every live subscription.
func (f *Fake) notifyAll() {
	f.mu.Lock()
	type delivery struct {
		sub  *fakeSub
		snap driftsync.Snapshot
	}
	var deliveries []delivery
	for _, sub := range f.subs {
		if sub.gone {
			continue
		}
		snap, cur := f.snapshotLocked(sub.target, sub.prev)
		sub.prev = cur
		deliveries = append(deliveries, delivery{sub: sub, snap: snap})
	}
	f.mu.Unlock()
	for _, d := range deliveries {
		d.sub.onChange(d.snap)
	}
}

func (f *Fake) snapshotLocked(target driftsync.Target, prev []driftsync.Document) (driftsync.Snapshot, []driftsync.Document) {
	now := time.Now().UTC()
	if !target.Collection {
		doc := driftsync.Document{Path: target.Path}
		if data, ok := f.docs[target.Path]; ok {
			doc.Data = clone(data)
			doc.Exists = true
		}
		return driftsync.Snapshot{Docs: []driftsync.Document{doc}, At: now}, nil
	}
	var docs []driftsync.Document
	for path, data := range f.docs {
		if collectionOf(path) == target.Path {
			docs = append(docs, driftsync.Document{Path: path, Data: clone(data), Exists: true})
		}
	}
	// Deterministic base order before target ordering applies.
	sortByPath(docs)
	cur := driftsync.ApplyTarget(docs, target)
	return driftsync.Snapshot{Docs: cur, Changes: driftsync.DiffDocs(prev, cur), At: now}, cur
}

func collectionOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return path
}

func sortByPath(docs []driftsync.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
