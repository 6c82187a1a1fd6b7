package main

import (
	"context"
	"errors"
	"time"

	qdb "github.com/questdb/go-questdb-client/v3"
)

const questDBTable = "ringbench"

// questDBReporter writes one row per run into QuestDB over ILP/HTTP.
type questDBReporter struct {
	senderPool *qdb.LineSenderPool
}

func newQuestDBReporter(address string) (*questDBReporter, error) {
	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(address),
		qdb.WithHttp(),
		qdb.WithRetryTimeout(time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &questDBReporter{
		senderPool: senderPool,
	}, nil
}

func (qr *questDBReporter) report(ctx context.Context, cfg *benchConfig, res benchResult) error {
	sender, err := qr.senderPool.Sender(ctx)
	if err != nil {
		return err
	}

	err = sender.Table(questDBTable).
		Symbol("variant", cfg.kind.String()).
		Symbol("mode", cfg.mode).
		Int64Column("capacity", int64(cfg.capacity)).
		Int64Column("chunk_size", int64(cfg.chunk)).
		Int64Column("total_bytes", res.bytes).
		Int64Column("producer_yields", res.producerYields).
		Int64Column("consumer_yields", res.consumerYields).
		Float64Column("elapsed_s", res.elapsed.Seconds()).
		Float64Column("throughput_mbs", res.throughput()).
		At(ctx, time.Now())
	if err != nil {
		return errors.Join(err, sender.Close(ctx))
	}

	return errors.Join(sender.Flush(ctx), sender.Close(ctx))
}

func (qr *questDBReporter) close(ctx context.Context) error {
	return qr.senderPool.Close(ctx)
}
