package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExampleStreamArgs are the arguments accepted by the example_stream tool.
type ExampleStreamArgs struct {
	// Count is the number of batches to produce; 0 streams without bound.
	Count int `json:"count,omitempty" jsonschema:"title=Count,description=Number of batches to produce (0 = unbounded)"`
	// BatchSize is the number of integers per batch.
	BatchSize int `json:"batch_size,omitempty" jsonschema:"title=Batch size,description=Integers per batch"`
	// IntervalMS is the delay between batches in milliseconds.
	IntervalMS int `json:"interval_ms,omitempty" jsonschema:"title=Interval,description=Delay between batches in milliseconds"`
}

const (
	defaultBatchSize  = 5
	defaultIntervalMS = 100
)

// numberStream lazily produces consecutive integer batches. It exists to
// exercise the delivery and resumption machinery end to end.
type numberStream struct {
	next      int
	remaining int // -1 = unbounded
	batchSize int
	interval  time.Duration
	first     bool
}

func (s *numberStream) Next(ctx context.Context) (json.RawMessage, error) {
	if s.remaining == 0 {
		return nil, io.EOF
	}

	// The first batch is produced immediately; later batches pace the stream.
	if s.first {
		s.first = false
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	}

	batch := make([]int, s.batchSize)
	for i := range batch {
		batch[i] = s.next
		s.next++
	}
	if s.remaining > 0 {
		s.remaining--
	}
	return json.Marshal(batch)
}

func (s *numberStream) Close() error { return nil }

// RegisterExampleStream adds the example_stream tool: a lazy, paced producer
// of consecutive integer batches.
func RegisterExampleStream(r *Registry) error {
	return r.RegisterStreaming(Descriptor{
		Name:            "example_stream",
		Description:     "Streams batches of consecutive integers at a fixed interval.",
		ParameterSchema: schemaFor(&ExampleStreamArgs{}),
	}, func(ctx context.Context, args json.RawMessage) (BatchStream, error) {
		a := ExampleStreamArgs{BatchSize: defaultBatchSize, IntervalMS: defaultIntervalMS}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("invalid example_stream arguments: %w", err)
			}
		}
		if a.BatchSize <= 0 {
			a.BatchSize = defaultBatchSize
		}
		if a.IntervalMS < 0 {
			a.IntervalMS = defaultIntervalMS
		}
		remaining := a.Count
		if remaining <= 0 {
			remaining = -1
		}
		return &numberStream{
			next:      1,
			remaining: remaining,
			batchSize: a.BatchSize,
			interval:  time.Duration(a.IntervalMS) * time.Millisecond,
			first:     true,
		}, nil
	})
}
