package ingress

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FerroO2000/bytering/internal/rb"
	"github.com/FerroO2000/bytering/pipe"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipe(t *testing.T, capacity uint32) *pipe.Pipe {
	t.Helper()

	ring, err := rb.New(capacity, rb.KindOptimized)
	require.NoError(t, err)

	return pipe.New(ring, -1)
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i*31 + i>>9)
	}
	return payload
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

func Test_TCPStage(t *testing.T) {
	payload := testPayload(1 << 17)

	for _, vectored := range []bool{true, false} {
		name := "region"
		if vectored {
			name = "vectored"
		}

		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			out := newTestPipe(t, 1024)

			cfg := NewTCPConfig()
			cfg.IPAddr = "127.0.0.1"
			cfg.Port = 0
			cfg.VectoredIO = vectored

			stage := NewTCPStage(out, cfg)
			require.NoError(t, stage.Init(t.Context()))

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			done := runStage(ctx, stage)

			// Two connections in a row end up in the same stream
			for _, part := range [][]byte{payload[:1000], payload[1000:]} {
				conn, err := net.Dial("tcp", stage.Addr().String())
				require.NoError(t, err)

				go func() {
					defer conn.Close()
					conn.Write(part)
				}()

				received := make([]byte, len(part))
				_, err = io.ReadFull(out, received)
				assert.NoError(err)
				assert.Equal(part, received)
			}

			cancel()
			waitDone(t, done)

			_, err := out.Read(make([]byte, 1))
			assert.ErrorIs(err, io.EOF)

			stage.Close()
		})
	}
}

func Test_UDPStage(t *testing.T) {
	assert := assert.New(t)

	out := newTestPipe(t, 1<<16)

	cfg := NewUDPConfig()
	cfg.IPAddr = "127.0.0.1"
	cfg.Port = 0

	stage := NewUDPStage(out, cfg)
	require.NoError(t, stage.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := runStage(ctx, stage)

	conn, err := net.Dial("udp", stage.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	datagrams := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, datagram := range datagrams {
		_, err := conn.Write(datagram)
		assert.NoError(err)

		received := make([]byte, len(datagram))
		_, err = io.ReadFull(out, received)
		assert.NoError(err)
		assert.Equal(datagram, received)
	}

	cancel()
	waitDone(t, done)

	stage.Close()
}

func Test_FileStage(t *testing.T) {
	assert := assert.New(t)

	payload := testPayload(100_000)

	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	out := newTestPipe(t, 4096)

	stage := NewFileStage(out, NewFileConfig(path))
	require.NoError(t, stage.Init(t.Context()))

	done := runStage(t.Context(), stage)

	received, err := io.ReadAll(out)
	assert.NoError(err)
	assert.Equal(payload, received)

	waitDone(t, done)
	stage.Close()
}

func Test_FileStage_Follow(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "follow.log")
	require.NoError(t, os.WriteFile(path, []byte("line 1\n"), 0o644))

	out := newTestPipe(t, 64)

	cfg := NewFileConfig(path)
	cfg.Follow = true

	stage := NewFileStage(out, cfg)
	require.NoError(t, stage.Init(t.Context()))

	done := runStage(t.Context(), stage)

	received := make([]byte, 7)
	_, err := io.ReadFull(out, received)
	assert.NoError(err)
	assert.Equal("line 1\n", string(received))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = file.WriteString("line 2\n")
	assert.NoError(err)
	assert.NoError(file.Close())

	_, err = io.ReadFull(out, received)
	assert.NoError(err)
	assert.Equal("line 2\n", string(received))

	// Removing the file ends the stream
	assert.NoError(os.Remove(path))
	waitDone(t, done)

	_, err = out.Read(received)
	assert.ErrorIs(err, io.EOF)

	stage.Close()
}

func Test_FileStage_Missing(t *testing.T) {
	out := newTestPipe(t, 64)

	stage := NewFileStage(out, NewFileConfig(filepath.Join(t.TempDir(), "missing")))
	assert.ErrorIs(t, stage.Init(t.Context()), os.ErrNotExist)
}

func Test_GeneratorStage(t *testing.T) {
	suite := []struct {
		name     string
		zeroCopy bool
		interval time.Duration
	}{
		{name: "zero copy", zeroCopy: true},
		{name: "copy", zeroCopy: false},
		{name: "ticking", zeroCopy: true, interval: time.Millisecond},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			out := newTestPipe(t, 256)

			cfg := NewGeneratorConfig()
			cfg.ChunkSize = 333
			cfg.TotalBytes = 10_000
			cfg.Interval = tCase.interval
			cfg.ZeroCopy = tCase.zeroCopy

			stage := NewGeneratorStage(out, cfg)
			require.NoError(t, stage.Init(t.Context()))

			done := runStage(t.Context(), stage)

			received, err := io.ReadAll(out)
			assert.NoError(err)
			assert.Len(received, 10_000)

			mismatches := 0
			for i, b := range received {
				if b != GeneratorPattern(int64(i)) {
					mismatches++
				}
			}
			assert.Zero(mismatches)

			waitDone(t, done)
			assert.Equal(int64(10_000), stage.GeneratedBytes())
		})
	}
}

func Test_GeneratorStage_Cancel(t *testing.T) {
	assert := assert.New(t)

	out := newTestPipe(t, 256)

	stage := NewGeneratorStage(out, NewGeneratorConfig())
	require.NoError(t, stage.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	done := runStage(ctx, stage)

	_, err := io.ReadFull(out, make([]byte, 1000))
	assert.NoError(err)

	cancel()
	waitDone(t, done)
	assert.True(out.IsClosed())
}

type fakeKafkaReader struct {
	msgs []kafka.Message
}

func (fr *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(fr.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}

	msg := fr.msgs[0]
	fr.msgs = fr.msgs[1:]

	return msg, nil
}

func (fr *fakeKafkaReader) Close() error {
	return nil
}

func Test_KafkaStage(t *testing.T) {
	assert := assert.New(t)

	out := newTestPipe(t, 16)

	stage := NewKafkaStage(out, NewKafkaConfig("stream"))
	require.NoError(t, stage.stage.Init(t.Context()))

	stage.source.init(&fakeKafkaReader{
		msgs: []kafka.Message{
			{Topic: "stream", Value: []byte("hello ")},
			{Topic: "stream", Value: []byte("kafka "), Headers: []kafka.Header{{Key: "traceparent", Value: []byte("invalid")}}},
			{Topic: "stream", Value: []byte("stream longer than the ring")},
		},
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := runStage(ctx, stage)

	expected := "hello kafka stream longer than the ring"
	received := make([]byte, len(expected))
	_, err := io.ReadFull(out, received)
	assert.NoError(err)
	assert.Equal(expected, string(received))

	cancel()
	waitDone(t, done)

	assert.Equal(int64(3), stage.source.receivedMessages.Load())
	assert.Equal(int64(len(expected)), stage.source.receivedBytes.Load())

	stage.Close()
}

func Test_KafkaStage_ReadError(t *testing.T) {
	out := newTestPipe(t, 16)

	stage := NewKafkaStage(out, NewKafkaConfig("stream"))
	require.NoError(t, stage.stage.Init(t.Context()))

	stage.source.init(&failingKafkaReader{})

	done := runStage(t.Context(), stage)
	waitDone(t, done)

	assert.True(t, out.IsClosed())
}

func Test_KafkaStage_NoTopics(t *testing.T) {
	out := newTestPipe(t, 16)

	stage := NewKafkaStage(out, NewKafkaConfig())
	assert.ErrorIs(t, stage.Init(t.Context()), errKafkaNoTopics)
}

type failingKafkaReader struct{}

func (failingKafkaReader) ReadMessage(_ context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker unreachable")
}

func (failingKafkaReader) Close() error {
	return nil
}

func Test_Configs(t *testing.T) {
	assert := assert.New(t)

	out := newTestPipe(t, 16)

	tcpCfg := &TCPConfig{IPAddr: "127.0.0.1", ReadTimeout: -1}
	tcpStage := NewTCPStage(out, tcpCfg)
	assert.NoError(tcpStage.stage.Init(t.Context()))
	assert.Equal(DefaultTCPConfigReadTimeout, tcpCfg.ReadTimeout)

	kafkaCfg := &KafkaConfig{MinBytes: 10, MaxBytes: 1}
	kafkaStage := NewKafkaStage(out, kafkaCfg)
	assert.NoError(kafkaStage.stage.Init(t.Context()))
	assert.Equal(DefaultKafkaConfigBrokers, kafkaCfg.Brokers)
	assert.Equal(DefaultKafkaConfigGroupID, kafkaCfg.GroupID)
	assert.Equal(10, kafkaCfg.MaxBytes)

	genCfg := &GeneratorConfig{ChunkSize: 0, TotalBytes: -5}
	genStage := NewGeneratorStage(out, genCfg)
	assert.NoError(genStage.stage.Init(t.Context()))
	assert.Equal(DefaultGeneratorConfigChunkSize, genCfg.ChunkSize)
	assert.Zero(genCfg.TotalBytes)
}
