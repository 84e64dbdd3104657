package inbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chartlyhq/inbox/pkg/inbox"
	"github.com/chartlyhq/inbox/pkg/inbox/memstore"
)

func TestWriterBuildDefaultsIDAndReceivedAt(t *testing.T) {
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	w, err := inbox.NewWriter("orders", store, inbox.DefaultOptions(inbox.Default), inbox.SystemClock, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	id, err := w.Write(context.Background(), inbox.WriteRequest{MessageType: "order.created"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated message id")
	}
}

func TestWriterRequiresMessageType(t *testing.T) {
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	w, err := inbox.NewWriter("orders", store, inbox.DefaultOptions(inbox.Default), inbox.SystemClock, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(context.Background(), inbox.WriteRequest{}); err == nil {
		t.Fatal("expected error for missing message_type")
	}
}

func TestWriterRequiresGroupIDForFIFO(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.FIFO)
	store := memstore.New(opts)
	w, err := inbox.NewWriter("orders", store, opts, inbox.SystemClock, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(context.Background(), inbox.WriteRequest{MessageType: "order.created"}); err == nil {
		t.Fatal("expected error for missing group_id in a FIFO inbox")
	}
	id, err := w.Write(context.Background(), inbox.WriteRequest{MessageType: "order.created", GroupID: "order-1"})
	if err != nil {
		t.Fatalf("Write with group_id: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated message id")
	}
}

type countingMetrics struct{ duplicateWrites int }

func (m *countingMetrics) IncLeaseEmpty(string)            {}
func (m *countingMetrics) IncLeaseError(string)            {}
func (m *countingMetrics) IncComplete(string)              {}
func (m *countingMetrics) IncRetry(string)                 {}
func (m *countingMetrics) IncDeadLetter(string)            {}
func (m *countingMetrics) IncDuplicateWrite(string)         { m.duplicateWrites++ }
func (m *countingMetrics) IncExtendFailure(string)          {}
func (m *countingMetrics) ObserveLeaseSize(string, int)     {}

func TestWriterDuplicateWriteReturnsErrDuplicate(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Default)
	opts.EnableDeduplication = true
	store := memstore.New(opts)
	metrics := &countingMetrics{}
	w, err := inbox.NewWriter("orders", store, opts, inbox.SystemClock, metrics)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	req := inbox.WriteRequest{MessageType: "order.created", DeduplicationID: "dup-1"}
	if _, err := w.Write(context.Background(), req); err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err = w.Write(context.Background(), req)
	if !errors.Is(err, inbox.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if metrics.duplicateWrites != 1 {
		t.Fatalf("expected 1 duplicate-write metric increment, got %d", metrics.duplicateWrites)
	}
}

func TestWriterWriteBatchSkipsDuplicatesWithoutErroring(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Default)
	opts.EnableDeduplication = true
	store := memstore.New(opts)
	w, err := inbox.NewWriter("orders", store, opts, inbox.SystemClock, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	reqs := []inbox.WriteRequest{
		{MessageType: "order.created", DeduplicationID: "dup-1"},
		{MessageType: "order.created", DeduplicationID: "dup-1"},
		{MessageType: "order.created", DeduplicationID: "dup-2"},
	}
	ids, inserted, err := w.WriteBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", inserted)
	}
	if len(ids) != 3 {
		t.Fatalf("expected an id for every request, got %d", len(ids))
	}
}
