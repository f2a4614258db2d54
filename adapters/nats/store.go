package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esrc-go/core/es"
)

const defaultSubjectPrefix = "esrc.es"

type StoreConfig struct {
	// Connect creates the underlying connection. Nil uses ConnectDefault.
	Connect Connector
	Log     *slog.Logger
	// SubjectPrefix namespaces the per-aggregate subjects
	// (<prefix>.<aggregate_type>.<aggregate_id>).
	SubjectPrefix string
	StreamName    string
}

// Store is a JetStream event store. Each aggregate stream maps to one
// subject; appends publish with an expected last subject sequence, so the
// version compare-and-swap happens on the server and the first conflicting
// writer loses without persisting anything.
type Store struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewStore(cfg StoreConfig) (*Store, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "ESRC_EVENTS"
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	// deletes and purges would punch holes into the sequence
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		FirstSeq:   1,
		DenyDelete: true,
		DenyPurge:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return &Store{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (s *Store) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed event store")
	return nil
}

func (s *Store) subjectFor(aggType, aggID string) string {
	return s.subjectPrefix + "." + aggType + "." + aggID
}

type loadOptions struct {
	startVersion es.Version
	startSeq     uint64
	limit        int
}

func (o *loadOptions) SetStartVersion(v es.Version) { o.startVersion = v }
func (o *loadOptions) SetStartSeq(seq uint64)       { o.startSeq = seq }
func (o *loadOptions) SetLimit(n int)               { o.limit = n }

func (s *Store) Load(
	ctx context.Context,
	aggType, aggID string,
	opts ...es.StoreLoadOption,
) ([]es.Envelope, error) {
	if aggType == "" || aggID == "" {
		return nil, errors.New("aggregate type and id are required")
	}
	var lo loadOptions
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(&lo)
	}

	last, err := s.lastEnvelopeFor(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, es.ErrAggregateNotFound
	}

	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{s.subjectFor(aggType, aggID)},
	}
	if lo.startSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = lo.startSeq
	}
	cc, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, storageErr("create consumer", err)
	}

	out := make([]es.Envelope, 0)
	err = s.consume(ctx, cc, last.Seq, func(e es.Envelope) bool {
		if e.Version < lo.startVersion {
			return true
		}
		out = append(out, e)
		return lo.limit <= 0 || len(out) < lo.limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Append(
	ctx context.Context,
	aggType, aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if aggType == "" || aggID == "" {
		return nil, errors.New("aggregate type and id are required")
	}

	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + es.Version(i+1); e.Version != want {
			return nil, fmt.Errorf("non-contiguous batch: event %d has version %d, want %d", i, e.Version, want)
		}
	}

	// Resolve the subject sequence the expected version corresponds to. The
	// publish below re-checks it atomically, this read only rejects stale
	// writers early with a precise error.
	var lastSubjectSeq uint64
	if expectedVersion > 0 {
		last, err := s.lastEnvelopeFor(ctx, aggType, aggID)
		if err != nil {
			return nil, err
		}
		if last == nil || last.Version != expectedVersion {
			return nil, conflictErr(aggType, aggID, expectedVersion)
		}
		lastSubjectSeq = last.Seq
	}

	subject := s.subjectFor(aggType, aggID)
	var lastSeq uint64
	for _, e := range events {
		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-event-type", e.Type)
		msg.Header.Set("x-aggregate-type", aggType)
		msg.Header.Set("x-aggregate-id", aggID)
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		msg.Data = data

		// Once the first event wins the subject, the chained expectations
		// make the rest of the batch conflict-free against other writers.
		ack, err := s.js.PublishMsg(ctx, msg,
			jetstream.WithMsgID(e.ID),
			jetstream.WithExpectLastSequencePerSubject(lastSubjectSeq),
		)
		if err != nil {
			if isWrongLastSequence(err) {
				return nil, conflictErr(aggType, aggID, expectedVersion)
			}
			return nil, storageErr("publish event", err)
		}
		lastSubjectSeq = ack.Sequence
		lastSeq = ack.Sequence
	}

	s.log.Debug("append",
		slog.String("agg_type", aggType),
		slog.String("agg_id", aggID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(events)),
	)
	return &es.StoreAppendResult{LastSeq: lastSeq}, nil
}

func (s *Store) Global(ctx context.Context, afterSeq uint64, limit int) ([]es.Envelope, error) {
	si, err := s.stream.Info(ctx)
	if err != nil {
		return nil, storageErr("stream info", err)
	}
	endSeq := si.State.LastSeq
	if endSeq <= afterSeq {
		return []es.Envelope{}, nil
	}

	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{s.subjectPrefix + ".>"},
	}
	if afterSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSeq + 1
	}
	cc, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, storageErr("create consumer", err)
	}

	out := make([]es.Envelope, 0)
	err = s.consume(ctx, cc, endSeq, func(e es.Envelope) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe tails the global stream starting after afterSeq.
func (s *Store) Subscribe(ctx context.Context, afterSeq uint64) (es.Subscription, error) {
	cfg := jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    []string{s.subjectPrefix + ".>"},
		InactiveThreshold: 10 * time.Minute,
	}
	if afterSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSeq + 1
	}
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, storageErr("create consumer", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan es.Envelope, 64)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := msg.Ack(); err != nil {
			s.log.Error("failed to ack message", slog.Any("error", err))
			return
		}
		e, err := decodeMsg(msg)
		if err != nil {
			s.log.Error("failed to decode message", slog.Any("error", err))
			return
		}
		select {
		case ch <- *e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, storageErr("consume", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cc.Drain()
			cancel()
			close(ch)
		})
	}
	context.AfterFunc(ctx, stop)

	return &jsSubscription{ch: ch, cancel: stop}, nil
}

// consume fetches decoded envelopes up to and including endSeq, stopping
// early when keep returns false.
func (s *Store) consume(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
	keep func(es.Envelope) bool,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return storageErr("fetch", err)
		}
		if mb.Error() != nil {
			return storageErr("fetch", mb.Error())
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			e, err := decodeMsg(msg)
			if err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			if !keep(*e) {
				return nil
			}
			if endSeq > 0 && e.Seq >= endSeq {
				return nil
			}
		}
		if empty {
			return nil
		}
	}
}

func (s *Store) lastEnvelopeFor(ctx context.Context, aggType, aggID string) (*es.Envelope, error) {
	lm, err := s.stream.GetLastMsgForSubject(ctx, s.subjectFor(aggType, aggID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, storageErr("get last message", err)
	}
	e := &es.Envelope{}
	if err := json.Unmarshal(lm.Data, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last message: %w", err)
	}
	e.Seq = lm.Sequence
	return e, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	e := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), e); err != nil {
		return nil, err
	}
	e.Seq = md.Sequence.Stream
	return e, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func conflictErr(aggType, aggID string, expected es.Version) error {
	return fmt.Errorf("%w: agg_type=%s agg_id=%s expected=%d",
		es.ErrConcurrencyConflict, aggType, aggID, expected)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", es.ErrStorageUnavailable, op, err)
}

var (
	_ es.EventStore = (*Store)(nil)
	_ es.Stream     = (*Store)(nil)
)

type jsSubscription struct {
	ch     chan es.Envelope
	cancel func()
}

func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *jsSubscription) Cancel()                  { s.cancel() }
