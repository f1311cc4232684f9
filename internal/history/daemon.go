package history

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
)

// Daemon consumes terminated-call messages and writes history records.
type Daemon struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	records core.CallHistoryStorer

	errors chan error
	stop   chan struct{}
}

func New(natsAddr string, records core.CallHistoryStorer) (*Daemon, error) {
	nc, err := nats.Connect(natsAddr, nats.NoEcho())
	if err != nil {
		return nil, err
	}

	daemon := &Daemon{
		nc:      nc,
		records: records,
		errors:  make(chan error),
		stop:    make(chan struct{}),
	}

	return daemon, nil
}

func (d *Daemon) Run() error {
	log.Info().Str("service", "history").Msg("start history daemon")

	var err error
	d.sub, err = d.nc.QueueSubscribe(Subject, QueueWriters, func(msg *nats.Msg) {
		if err := d.saveRecord(msg); err != nil {
			d.errors <- err
		}
	})
	if err != nil {
		return err
	}

	for {
		select {
		case err := <-d.errors:
			log.Error().Err(err).Str("service", "history").Msg("")
		case <-d.stop:
			return d.Stop()
		}
	}
}

func (d *Daemon) Shutdown() {
	close(d.stop)
}

func (d *Daemon) Stop() error {
	log.Info().Str("service", "history").Msg("stop history daemon")

	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("service", "history").Msg("unsubscribe")
		}
	}

	return d.nc.Drain()
}

func (d *Daemon) saveRecord(msg *nats.Msg) error {
	payload := &Message{}

	r := bytes.NewReader(msg.Data)
	if err := json.NewDecoder(r).Decode(payload); err != nil {
		return fmt.Errorf("history message error: %v, payload: %s", err, string(msg.Data[:]))
	}

	record, err := d.records.Save(payload.Record())
	if err != nil {
		return fmt.Errorf("save call record %s: %w", payload.CallID, err)
	}

	log.Debug().Str("service", "history").Str("call_id", string(record.CallID)).
		Str("reason", string(record.Reason)).Int("duration", record.DurationSeconds).
		Msg("call record saved")
	return nil
}
