package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Channel is the Postgres notification channel for change events.
const Channel = "triage_events"

// PGPublisher publishes events through Postgres NOTIFY so subscribers in
// other processes (dashboard backends, additional workers) see them.
type PGPublisher struct {
	db *gorm.DB
}

// NewPGPublisher creates a publisher over the shared GORM connection.
func NewPGPublisher(db *gorm.DB) *PGPublisher {
	return &PGPublisher{db: db}
}

// Publish implements Publisher. Failures are logged, never propagated:
// a lost notification only delays a dashboard refresh, the mutation that
// triggered it has already committed.
func (p *PGPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal change event")
		return
	}

	err = p.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", Channel, string(payload)).Error
	if err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish change event")
	}
}

// Listener bridges Postgres NOTIFY back into the in-process broadcaster,
// so SSE clients of this worker also see mutations committed by other
// workers. Duplicate delivery is fine: events are invalidation hints.
type Listener struct {
	listener *pq.Listener
	sink     *Broadcaster
	done     chan struct{}
}

const (
	listenMinReconnect = 2 * time.Second
	listenMaxReconnect = time.Minute
)

// NewListener starts listening on the events channel of the given DSN.
func NewListener(dsn string, sink *Broadcaster) (*Listener, error) {
	pl := pq.NewListener(dsn, listenMinReconnect, listenMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Postgres listener event")
		}
	})
	if err := pl.Listen(Channel); err != nil {
		pl.Close()
		return nil, err
	}

	l := &Listener{
		listener: pl,
		sink:     sink,
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	for {
		select {
		case <-l.done:
			return
		case n := <-l.listener.Notify:
			if n == nil {
				// Connection was re-established; subscribers re-read state
				// anyway, so nothing to replay.
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				log.Warn().Err(err).Msg("Malformed change notification payload")
				continue
			}
			l.sink.Broadcast(ev)
		case <-time.After(90 * time.Second):
			// Periodic liveness check keeps half-open connections from
			// silencing the channel indefinitely.
			go l.listener.Ping()
		}
	}
}

// Close stops the listener.
func (l *Listener) Close() error {
	close(l.done)
	return l.listener.Close()
}

// Compile-time check: PGPublisher must satisfy Publisher.
var _ Publisher = (*PGPublisher)(nil)
