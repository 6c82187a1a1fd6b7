package processor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/FerroO2000/bytering/internal/rb"
	"github.com/FerroO2000/bytering/pipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipe(t *testing.T, kind rb.Kind, capacity uint32) *pipe.Pipe {
	t.Helper()

	ring, err := rb.New(capacity, kind)
	require.NoError(t, err)

	return pipe.New(ring, -1)
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i*7 + i>>8)
	}
	return payload
}

// feed writes the payload in uneven chunks and closes the pipe.
func feed(p *pipe.Pipe, payload []byte) {
	go func() {
		defer p.Close()

		for chunk := 1; len(payload) > 0; chunk = chunk%499 + 1 {
			n := min(chunk, len(payload))
			if _, err := p.Write(payload[:n]); err != nil {
				return
			}
			payload = payload[n:]
		}
	}()
}

type readResult struct {
	data []byte
	err  error
}

// drain reads the pipe until EOF in the background.
func drain(p *pipe.Pipe) <-chan readResult {
	res := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(p)
		res <- readResult{data: data, err: err}
	}()
	return res
}

func waitResult(t *testing.T, res <-chan readResult) readResult {
	t.Helper()

	select {
	case r := <-res:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "output was not drained")
		return readResult{}
	}
}

func runStage(ctx context.Context, stage interface{ Run(ctx context.Context) }) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stage.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "stage did not stop")
	}
}

func xorHandler(_ context.Context, chunk []byte) ([]byte, error) {
	for i := range chunk {
		chunk[i] ^= 0x5a
	}
	return chunk, nil
}

func Test_CustomStage(t *testing.T) {
	payload := testPayload(200_000)

	xored := bytes.Clone(payload)
	for i := range xored {
		xored[i] ^= 0x5a
	}

	evenOnly := []byte{}
	for _, b := range payload {
		if b%2 == 0 {
			evenOnly = append(evenOnly, b)
		}
	}

	suite := []struct {
		name     string
		kind     rb.Kind
		handler  CustomHandlerFunc
		expected []byte
	}{
		{name: "in place sequential", kind: rb.KindSequential, handler: xorHandler, expected: xored},
		{name: "in place optimized", kind: rb.KindOptimized, handler: xorHandler, expected: xored},
		{
			name: "filter",
			kind: rb.KindOptimized,
			handler: func(_ context.Context, chunk []byte) ([]byte, error) {
				res := make([]byte, 0, len(chunk))
				for _, b := range chunk {
					if b%2 == 0 {
						res = append(res, b)
					}
				}
				return res, nil
			},
			expected: evenOnly,
		},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			in := newTestPipe(t, tCase.kind, 1024)
			out := newTestPipe(t, tCase.kind, 512)

			cfg := NewCustomConfig()
			cfg.MaxChunkSize = 300

			stage := NewCustomStage(tCase.handler, in, out, cfg)
			require.NoError(t, stage.Init(t.Context()))

			res := drain(out)
			feed(in, payload)

			done := runStage(t.Context(), stage)

			r := waitResult(t, res)
			assert.NoError(r.err)
			assert.Equal(tCase.expected, r.data)

			waitDone(t, done)
			assert.Equal(int64(len(payload)), stage.ProcessedBytes())
			assert.Zero(stage.DroppedBytes())

			stage.Close()
		})
	}
}

type failingHandler struct {
	CustomHandlerBase

	closed bool
}

func (fh *failingHandler) Handle(_ context.Context, _ []byte) ([]byte, error) {
	return nil, errors.New("corrupted chunk")
}

func (fh *failingHandler) Close() {
	fh.closed = true
}

func Test_CustomStage_HandlerError(t *testing.T) {
	assert := assert.New(t)

	payload := testPayload(10_000)

	in := newTestPipe(t, rb.KindOptimized, 256)
	out := newTestPipe(t, rb.KindOptimized, 256)

	handler := &failingHandler{}
	stage := NewCustomStage(handler, in, out, NewCustomConfig())
	require.NoError(t, stage.Init(t.Context()))
	assert.NotNil(handler.Telemetry)

	res := drain(out)
	feed(in, payload)

	done := runStage(t.Context(), stage)

	// Failed chunks are dropped, the stream goes on
	r := waitResult(t, res)
	assert.NoError(r.err)
	assert.Empty(r.data)

	waitDone(t, done)
	assert.Equal(int64(len(payload)), stage.ProcessedBytes())
	assert.Equal(int64(len(payload)), stage.DroppedBytes())

	stage.Close()
	assert.True(handler.closed)
}

func Test_CustomStage_OutputClosed(t *testing.T) {
	assert := assert.New(t)

	in := newTestPipe(t, rb.KindOptimized, 256)
	out := newTestPipe(t, rb.KindOptimized, 256)
	out.Close()

	stage := NewCustomStage(CustomHandlerFunc(xorHandler), in, out, NewCustomConfig())
	require.NoError(t, stage.Init(t.Context()))

	done := runStage(t.Context(), stage)

	_, err := in.Write([]byte("lost"))
	assert.NoError(err)

	// The stage stops and closes the input, so the producer stops too
	waitDone(t, done)
	assert.True(in.IsClosed())

	_, err = in.Write([]byte("more"))
	assert.ErrorIs(err, pipe.ErrClosed)
}

func Test_CustomStage_Cancel(t *testing.T) {
	in := newTestPipe(t, rb.KindOptimized, 256)
	out := newTestPipe(t, rb.KindOptimized, 256)

	stage := NewCustomStage(CustomHandlerFunc(xorHandler), in, out, NewCustomConfig())
	require.NoError(t, stage.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	done := runStage(ctx, stage)

	cancel()
	waitDone(t, done)

	_, err := out.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func Test_TeeStage(t *testing.T) {
	assert := assert.New(t)

	payload := testPayload(100_000)

	in := newTestPipe(t, rb.KindOptimized, 1024)
	outA := newTestPipe(t, rb.KindSequential, 256)
	outB := newTestPipe(t, rb.KindOptimized, 4096)

	stage := NewTeeStage(NewTeeConfig(), in, outA, outB)
	require.NoError(t, stage.Init(t.Context()))

	resA := drain(outA)
	resB := drain(outB)
	feed(in, payload)

	done := runStage(t.Context(), stage)

	for _, res := range []<-chan readResult{resA, resB} {
		r := waitResult(t, res)
		assert.NoError(r.err)
		assert.Equal(payload, r.data)
	}

	waitDone(t, done)
	assert.Equal(int64(len(payload)), stage.ClonedBytes())

	stage.Close()
}

func Test_TeeStage_OutputClosed(t *testing.T) {
	assert := assert.New(t)

	payload := testPayload(20_000)

	in := newTestPipe(t, rb.KindOptimized, 512)
	closedOut := newTestPipe(t, rb.KindOptimized, 512)
	openOut := newTestPipe(t, rb.KindOptimized, 512)
	closedOut.Close()

	stage := NewTeeStage(NewTeeConfig(), in, closedOut, openOut)
	require.NoError(t, stage.Init(t.Context()))

	res := drain(openOut)
	feed(in, payload)

	done := runStage(t.Context(), stage)

	r := waitResult(t, res)
	assert.NoError(r.err)
	assert.Equal(payload, r.data)

	waitDone(t, done)
	assert.Equal(int64(1), stage.worker.closedOuts.Load())
}

func Test_TeeStage_AllOutputsClosed(t *testing.T) {
	assert := assert.New(t)

	in := newTestPipe(t, rb.KindOptimized, 64)
	out := newTestPipe(t, rb.KindOptimized, 64)
	out.Close()

	stage := NewTeeStage(NewTeeConfig(), in, out)
	require.NoError(t, stage.Init(t.Context()))

	done := runStage(t.Context(), stage)

	_, err := in.Write([]byte("nobody listens"))
	assert.NoError(err)

	waitDone(t, done)
	assert.True(in.IsClosed())
}

func Test_TeeStage_NoOutputs(t *testing.T) {
	in := newTestPipe(t, rb.KindOptimized, 64)

	stage := NewTeeStage(NewTeeConfig(), in)
	assert.ErrorIs(t, stage.Init(t.Context()), errNoOutputPipe)
}

func Test_Configs(t *testing.T) {
	assert := assert.New(t)

	in := newTestPipe(t, rb.KindOptimized, 64)
	out := newTestPipe(t, rb.KindOptimized, 64)

	customCfg := &CustomConfig{MaxChunkSize: -1}
	customStage := NewCustomStage(CustomHandlerFunc(xorHandler), in, out, customCfg)
	assert.NoError(customStage.Init(t.Context()))
	assert.Equal(DefaultCustomConfigName, customCfg.Name)
	assert.Equal(DefaultCustomConfigMaxChunkSize, customCfg.MaxChunkSize)

	teeCfg := &TeeConfig{}
	teeStage := NewTeeStage(teeCfg, in, out)
	assert.NoError(teeStage.Init(t.Context()))
	assert.Equal(DefaultTeeConfigMaxChunkSize, teeCfg.MaxChunkSize)
}
