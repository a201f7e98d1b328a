package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	nats "github.com/nats-io/nats.go"
)

// Полезные нагрузки больше порога сжимаются zstd
const (
	compressThreshold = 1024
	encodingKey       = "encoding"
	encodingZstd      = "zstd"
	subjectPrefix     = "content."
)

// JetStreamBus реализует EventBus поверх NATS JetStream.
type JetStreamBus struct {
	nc           *nats.Conn
	js           nats.JetStreamContext
	stream       string
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
	published    uint64
	consumed     uint64
	dropped      uint64
}

// NewJetStreamBus подключается к кластеру NATS и гарантирует наличие стрима.
// url: nats://127.0.0.1:4222, stream: "CONTENT".
func NewJetStreamBus(url, stream string, retention time.Duration) (*JetStreamBus, error) {
	if stream == "" {
		stream = "CONTENT"
	}

	nc, err := nats.Connect(url, nats.Name("scene-engine-content"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Drain()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if _, err = js.StreamInfo(stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subjectPrefix + "*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Drain()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	jb := &JetStreamBus{nc: nc, js: js, stream: stream}
	if jb.compressor, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		nc.Drain()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	if jb.decompressor, err = zstd.NewReader(nil); err != nil {
		nc.Drain()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return jb, nil
}

// Publish сериализует Envelope в JSON и публикует в subject content.<type>.
// Крупные полезные нагрузки предварительно сжимаются.
func (jb *JetStreamBus) Publish(ctx context.Context, ev *Envelope) error {
	data, err := json.Marshal(jb.encode(ev))
	if err != nil {
		atomic.AddUint64(&jb.dropped, 1)
		return err
	}
	if _, err = jb.js.Publish(subjectPrefix+ev.EventType, data, nats.Context(ctx)); err != nil {
		atomic.AddUint64(&jb.dropped, 1)
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	atomic.AddUint64(&jb.published, 1)
	return nil
}

// Subscribe создаёт durable consumer и вызывает handler асинхронно.
func (jb *JetStreamBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	subj := subjectPrefix + "*"
	if len(f.Types) == 1 {
		subj = subjectPrefix + f.Types[0]
	}

	durable := nats.Durable(fmt.Sprintf("sub_%d", time.Now().UnixNano()))

	natSub, err := jb.js.Subscribe(subj, func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err == nil && jb.decode(&ev) == nil && matchFilter(&ev, f) {
			h(ctx, &ev)
			atomic.AddUint64(&jb.consumed, 1)
		}
		_ = msg.Ack()
	}, nats.ManualAck(), durable, nats.AckWait(30*time.Second))
	if err != nil {
		return nil, err
	}
	return &jetSub{natSub}, nil
}

// encode возвращает копию события со сжатой полезной нагрузкой, если она крупная
func (jb *JetStreamBus) encode(ev *Envelope) *Envelope {
	if len(ev.Payload) <= compressThreshold {
		return ev
	}
	out := *ev
	out.Payload = jb.compressor.EncodeAll(ev.Payload, nil)
	out.Metadata = make(map[string]string, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[encodingKey] = encodingZstd
	return &out
}

// decode распаковывает сжатую полезную нагрузку
func (jb *JetStreamBus) decode(ev *Envelope) error {
	if ev.Metadata[encodingKey] != encodingZstd {
		return nil
	}
	payload, err := jb.decompressor.DecodeAll(ev.Payload, nil)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	ev.Payload = payload
	delete(ev.Metadata, encodingKey)
	return nil
}

// jetSub обёртка вокруг *nats.Subscription чтобы удовлетворить наш интерфейс.
type jetSub struct {
	s *nats.Subscription
}

func (j *jetSub) Unsubscribe() {
	_ = j.s.Unsubscribe()
}

// Metrics возвращает текущие метрики.
func (jb *JetStreamBus) Metrics() Stats {
	return Stats{
		Published: atomic.LoadUint64(&jb.published),
		Consumed:  atomic.LoadUint64(&jb.consumed),
		Dropped:   atomic.LoadUint64(&jb.dropped),
		InFlight:  0, // jetstream keeps its own queue
	}
}

// Close закрывает соединение с NATS
func (jb *JetStreamBus) Close() error {
	jb.compressor.Close()
	jb.decompressor.Close()
	return jb.nc.Drain()
}
