package pipe

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/FerroO2000/bytering/internal/rb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKinds = []rb.Kind{rb.KindSequential, rb.KindOptimized}

func newTestPipe(t testing.TB, kind rb.Kind, capacity uint32, maxSpins int) *Pipe {
	t.Helper()

	ring, err := rb.New(capacity, kind)
	require.NoError(t, err)

	return New(ring, maxSpins)
}

func randomPayload(size int) []byte {
	rnd := rand.New(rand.NewPCG(7, 8))

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(rnd.UintN(256))
	}

	return payload
}

type chunkedReader struct {
	src   []byte
	chunk int
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if len(cr.src) == 0 {
		return 0, io.EOF
	}

	n := copy(p[:min(len(p), cr.chunk)], cr.src)
	cr.src = cr.src[n:]

	return n, nil
}

func Test_Pipe_Stream(t *testing.T) {
	payload := randomPayload(1 << 18)

	suite := []struct {
		name     string
		maxSpins int
	}{
		{name: "spinning", maxSpins: -1},
		{name: "sleeping", maxSpins: 0},
	}

	for _, kind := range testKinds {
		for _, tCase := range suite {
			t.Run(kind.String()+"-"+tCase.name, func(t *testing.T) {
				assert := assert.New(t)

				p := newTestPipe(t, kind, 64, tCase.maxSpins)

				writeErr := make(chan error, 1)
				go func() {
					rnd := rand.New(rand.NewPCG(1, 1))

					for rest := payload; len(rest) > 0; {
						size := min(len(rest), 1+rnd.IntN(200))
						if _, err := p.Write(rest[:size]); err != nil {
							writeErr <- err
							return
						}
						rest = rest[size:]
					}

					writeErr <- p.Close()
				}()

				out, err := io.ReadAll(p)
				assert.NoError(err)
				assert.NoError(<-writeErr)
				assert.Equal(payload, out)
				assert.True(p.IsClosed())
				assert.Zero(p.Buffered())
			})
		}
	}
}

func Test_Pipe_ReadFromWriteTo(t *testing.T) {
	payload := randomPayload(100_000)

	for _, kind := range testKinds {
		t.Run(kind.String(), func(t *testing.T) {
			assert := assert.New(t)

			p := newTestPipe(t, kind, 256, -1)

			readFromRes := make(chan int64, 1)
			go func() {
				n, err := p.ReadFrom(&chunkedReader{src: payload, chunk: 77})
				assert.NoError(err)
				p.Close()
				readFromRes <- n
			}()

			out := &bytes.Buffer{}
			n, err := p.WriteTo(out)
			assert.NoError(err)
			assert.Equal(int64(len(payload)), n)
			assert.Equal(int64(len(payload)), <-readFromRes)
			assert.Equal(payload, out.Bytes())
		})
	}
}

func Test_Pipe_Close(t *testing.T) {
	assert := assert.New(t)

	p := newTestPipe(t, rb.KindOptimized, 16, -1)

	n, err := p.Write([]byte("tail"))
	assert.NoError(err)
	assert.Equal(4, n)

	assert.NoError(p.Close())
	assert.NoError(p.Close())

	_, err = p.Write([]byte("more"))
	assert.ErrorIs(err, ErrClosed)
	assert.ErrorIs(p.AwaitSpace(context.Background()), ErrClosed)

	buf := make([]byte, 16)
	n, err = p.Read(buf)
	assert.NoError(err)
	assert.Equal([]byte("tail"), buf[:n])

	_, err = p.Read(buf)
	assert.ErrorIs(err, io.EOF)
}

func Test_Pipe_CloseWakesReader(t *testing.T) {
	assert := assert.New(t)

	p := newTestPipe(t, rb.KindSequential, 16, 0)

	readErr := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 4))
		readErr <- err
	}()

	assert.Eventually(func() bool {
		return p.Stats().ReaderSleeps > 0
	}, time.Second, time.Millisecond)

	p.Close()

	select {
	case err := <-readErr:
		assert.ErrorIs(err, io.EOF)
	case <-time.After(time.Second):
		assert.Fail("reader not woken by close")
	}
}

func Test_Pipe_Context(t *testing.T) {
	assert := assert.New(t)

	p := newTestPipe(t, rb.KindOptimized, 8, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.ReadContext(ctx, make([]byte, 4))
	assert.ErrorIs(err, context.DeadlineExceeded)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := p.WriteContext(ctx, make([]byte, 12))
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(8, n)

	stats := p.Stats()
	assert.Equal(uint64(1), stats.ReaderSleeps)
	assert.Equal(uint64(1), stats.WriterSleeps)
	assert.Equal(uint64(1), stats.DataNotifications)
}

func Test_Pipe_Wakeups(t *testing.T) {
	assert := assert.New(t)

	p := newTestPipe(t, rb.KindOptimized, 8, 0)

	// The writer fills the ring and sleeps until the reader frees space
	writeDone := make(chan error, 1)
	go func() {
		_, err := p.Write([]byte("0123456789"))
		writeDone <- err
	}()

	assert.Eventually(func() bool {
		return p.Stats().WriterSleeps > 0
	}, time.Second, time.Millisecond)

	buf := make([]byte, 10)
	n, err := io.ReadFull(p, buf)
	assert.NoError(err)
	assert.Equal(10, n)
	assert.Equal([]byte("0123456789"), buf)
	assert.NoError(<-writeDone)

	stats := p.Stats()
	assert.GreaterOrEqual(stats.SpaceNotifications, uint64(1))
	assert.GreaterOrEqual(stats.DataNotifications, uint64(1))
}

func Test_Pipe_ProduceConsume(t *testing.T) {
	assert := assert.New(t)

	p := newTestPipe(t, rb.KindOptimized, 8, -1)
	ring := p.Ring()

	assert.NoError(p.AwaitSpace(context.Background()))

	region, ok := ring.SpaceRegion()
	assert.True(ok)
	copy(region.Bytes(), "zero")
	assert.NoError(p.Produce(4))
	assert.Equal(uint64(1), p.Stats().DataNotifications)

	assert.ErrorIs(p.Produce(5), rb.ErrInvalidArgument)

	assert.NoError(p.AwaitData(context.Background()))

	region, ok = ring.DataRegion()
	assert.True(ok)
	assert.Equal([]byte("zero"), region.Bytes())
	assert.NoError(p.Consume(4))

	assert.ErrorIs(p.Consume(1), rb.ErrInvalidArgument)
	assert.Equal(8, p.Capacity())
	assert.Zero(p.Buffered())
}

func Benchmark_Pipe(b *testing.B) {
	for _, kind := range testKinds {
		for _, chunk := range []int{64, 4096} {
			b.Run(kind.String()+"-"+strconv.Itoa(chunk), func(b *testing.B) {
				p := newTestPipe(b, kind, 1<<16, -1)
				in := make([]byte, chunk)

				b.SetBytes(int64(chunk))
				b.ResetTimer()

				go func() {
					for range b.N {
						if _, err := p.Write(in); err != nil {
							break
						}
					}
					p.Close()
				}()

				_, _ = io.Copy(io.Discard, p)
			})
		}
	}
}
