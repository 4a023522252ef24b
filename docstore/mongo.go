package docstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/logging"
)

// Collection names inside the fleet database.
const (
	devicesCollection  = "devices"
	commandsCollection = "device_commands"
)

// Watcher reconnect backoff bounds.
const (
	watchBackoffMin = time.Second
	watchBackoffMax = 30 * time.Second
)

// MongoStore implements Store against a MongoDB replica set, watching the
// device document through change streams.
type MongoStore struct {
	client   *mongo.Client
	devices  *mongo.Collection
	commands *mongo.Collection
	serial   string
	logger   logging.Logger
}

// NewMongoStore connects, pings, and returns a store bound to one device
// serial. A connection failure here is a fatal init error for the caller.
func NewMongoStore(ctx context.Context, uri, database, serial string, logger logging.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to document database")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		goutils.UncheckedErrorFunc(func() error { return client.Disconnect(ctx) })
		return nil, errors.Wrap(err, "document database unreachable")
	}

	db := client.Database(database)
	return &MongoStore{
		client:   client,
		devices:  db.Collection(devicesCollection),
		commands: db.Collection(commandsCollection),
		serial:   serial,
		logger:   logger,
	}, nil
}

// rawDevice defers gpioState decoding so one malformed pin entry cannot
// poison the rest of the document.
type rawDevice struct {
	Serial            string              `bson:"_id"`
	Status            string              `bson:"status"`
	LastHeartbeat     time.Time           `bson:"lastHeartbeat,omitempty"`
	LastEmergencyStop *time.Time          `bson:"lastEmergencyStop,omitempty"`
	GPIOState         map[string]bson.Raw `bson:"gpioState,omitempty"`
	Config            ConfigDoc           `bson:"config,omitempty"`
}

func (s *MongoStore) parseDevice(raw rawDevice) *Device {
	dev := &Device{
		Serial:            raw.Serial,
		Status:            raw.Status,
		LastHeartbeat:     raw.LastHeartbeat,
		LastEmergencyStop: raw.LastEmergencyStop,
		GPIOState:         map[string]PinDoc{},
		Config:            raw.Config,
	}
	for key, rawPin := range raw.GPIOState {
		pinID, err := ParsePinKey(key)
		if err != nil {
			s.logger.Errorw("skipping malformed gpioState key", "key", key, "error", err)
			continue
		}
		var pinDoc PinDoc
		if err := bson.Unmarshal(rawPin, &pinDoc); err != nil {
			s.logger.Errorw("skipping undecodable pin entry", "pin", pinID, "error", err)
			continue
		}
		pinDoc.Pin = pinID
		if err := pinDoc.Validate(); err != nil {
			s.logger.Errorw("skipping invalid pin entry", "pin", pinID, "error", err)
			continue
		}
		dev.GPIOState[key] = pinDoc
	}
	return dev
}

// ReadDevice implements Store.
func (s *MongoStore) ReadDevice(ctx context.Context) (*Device, error) {
	var raw rawDevice
	if err := s.devices.FindOne(ctx, bson.M{"_id": s.serial}).Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "cannot read device document %s", s.serial)
	}
	return s.parseDevice(raw), nil
}

// UpdatePin implements Store.
func (s *MongoStore) UpdatePin(ctx context.Context, pinID int, fields map[string]interface{}) error {
	set := bson.M{}
	for field, value := range fields {
		set["gpioState."+PinKey(pinID)+"."+field] = value
	}
	_, err := s.devices.UpdateOne(ctx, bson.M{"_id": s.serial}, bson.M{"$set": set})
	return errors.Wrapf(err, "pin %d document update failed", pinID)
}

// PushHardware implements Store: one write carrying every pin's observation
// plus the liveness marker.
func (s *MongoStore) PushHardware(ctx context.Context, reports map[int]HardwareReport, heartbeat bool) error {
	set := bson.M{}
	for pinID, report := range reports {
		prefix := "gpioState." + PinKey(pinID) + "."
		set[prefix+"hardwareState"] = report.State
		set[prefix+"mismatch"] = report.Mismatch
		set[prefix+"lastHardwareRead"] = report.ReadAt
	}
	if heartbeat {
		set["status"] = StatusOnline
		set["lastHeartbeat"] = time.Now()
	}
	if len(set) == 0 {
		return nil
	}
	_, err := s.devices.UpdateOne(ctx, bson.M{"_id": s.serial}, bson.M{"$set": set})
	return errors.Wrap(err, "hardware state push failed")
}

// SetStatus implements Store.
func (s *MongoStore) SetStatus(ctx context.Context, status string) error {
	set := bson.M{"status": status}
	if status == StatusOnline {
		set["lastHeartbeat"] = time.Now()
	}
	_, err := s.devices.UpdateOne(ctx, bson.M{"_id": s.serial}, bson.M{"$set": set})
	return errors.Wrap(err, "status update failed")
}

// RecordEmergencyStop implements Store. This is the synchronous estop write:
// it either completes or errors to the caller.
func (s *MongoStore) RecordEmergencyStop(ctx context.Context, at time.Time, pinIDs []int) error {
	set := bson.M{"lastEmergencyStop": at}
	for _, pinID := range pinIDs {
		prefix := "gpioState." + PinKey(pinID) + "."
		set[prefix+"state"] = false
		set[prefix+"hardwareState"] = false
		set[prefix+"pwmDutyCycle"] = 0
	}
	_, err := s.devices.UpdateOne(ctx, bson.M{"_id": s.serial}, bson.M{"$set": set})
	return errors.Wrap(err, "emergency stop document update failed")
}

// SetScheduleLastRun implements Store.
func (s *MongoStore) SetScheduleLastRun(ctx context.Context, pinID int, scheduleID string, at time.Time) error {
	field := "gpioState." + PinKey(pinID) + ".schedules." + scheduleID + ".last_run_at"
	_, err := s.devices.UpdateOne(ctx, bson.M{"_id": s.serial}, bson.M{"$set": bson.M{field: at}})
	return errors.Wrapf(err, "schedule %d/%s last_run_at update failed", pinID, scheduleID)
}

// changeEvent is the slice of the change stream response we care about.
type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

// Watch implements Store. The worker holds a change stream on the device
// document; every delivered event carries the full document, which is diffed
// locally against the previous image so consumers see typed events only. On
// stream failure it reconnects with exponential backoff and treats the
// post-reconnect read as a non-initial snapshot.
func (s *MongoStore) Watch(ctx context.Context, baseline *Device) (<-chan Event, error) {
	events := make(chan Event, 16)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	goutils.PanicCapturingGo(func() {
		defer close(events)

		last := baseline
		backoff := watchBackoffMin
		pipeline := mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.M{"documentKey._id": s.serial}}},
		}
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		reconnected := false

		for ctx.Err() == nil {
			cs, err := s.devices.Watch(ctx, pipeline, opts)
			if err != nil {
				s.logger.Warnw("document watch connect failed; backing off", "error", err, "backoff", backoff)
				if !emit(WatchError{Err: err}) {
					return
				}
				if !goutils.SelectContextOrWait(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = watchBackoffMin

			if reconnected {
				// Catch up on whatever changed while the stream was down.
				if dev, err := s.ReadDevice(ctx); err == nil {
					for _, ev := range DiffDevices(last, dev) {
						if !emit(ev) {
							goutils.UncheckedErrorFunc(func() error { return cs.Close(ctx) })
							return
						}
					}
					last = dev
				}
			}
			reconnected = true

			for cs.Next(ctx) {
				var change changeEvent
				if err := cs.Decode(&change); err != nil {
					s.logger.Errorw("undecodable change event", "error", err)
					continue
				}
				if len(change.FullDocument) == 0 {
					continue
				}
				var raw rawDevice
				if err := bson.Unmarshal(change.FullDocument, &raw); err != nil {
					s.logger.Errorw("undecodable device document in change event", "error", err)
					continue
				}
				dev := s.parseDevice(raw)
				for _, ev := range DiffDevices(last, dev) {
					if !emit(ev) {
						goutils.UncheckedErrorFunc(func() error { return cs.Close(ctx) })
						return
					}
				}
				last = dev
			}
			err = cs.Err()
			goutils.UncheckedErrorFunc(func() error { return cs.Close(ctx) })
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("document watch interrupted; reconnecting", "error", err)
			if !emit(WatchError{Err: err}) {
				return
			}
			if !goutils.SelectContextOrWait(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	})

	return events, nil
}

// WatchCommands implements Store: pending commands first, then inserts from
// a change stream, with the same reconnect discipline as Watch.
func (s *MongoStore) WatchCommands(ctx context.Context) (<-chan Command, error) {
	commands := make(chan Command, 16)

	emit := func(cmd Command) bool {
		select {
		case commands <- cmd:
			return true
		case <-ctx.Done():
			return false
		}
	}

	drainPending := func() error {
		cursor, err := s.commands.Find(ctx, bson.M{"serial": s.serial})
		if err != nil {
			return err
		}
		defer goutils.UncheckedErrorFunc(func() error { return cursor.Close(ctx) })
		for cursor.Next(ctx) {
			var cmd Command
			if err := cursor.Decode(&cmd); err != nil {
				s.logger.Errorw("undecodable command document", "error", err)
				continue
			}
			if !emit(cmd) {
				return ctx.Err()
			}
		}
		return cursor.Err()
	}

	goutils.PanicCapturingGo(func() {
		defer close(commands)

		backoff := watchBackoffMin
		pipeline := mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.M{
				"operationType":       "insert",
				"fullDocument.serial": s.serial,
			}}},
		}
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

		for ctx.Err() == nil {
			cs, err := s.commands.Watch(ctx, pipeline, opts)
			if err != nil {
				s.logger.Warnw("command watch connect failed; backing off", "error", err, "backoff", backoff)
				if !goutils.SelectContextOrWait(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = watchBackoffMin

			// Commands created while the stream was down still need executing.
			if err := drainPending(); err != nil && ctx.Err() == nil {
				s.logger.Warnw("pending command scan failed", "error", err)
			}

			for cs.Next(ctx) {
				var change changeEvent
				if err := cs.Decode(&change); err != nil {
					s.logger.Errorw("undecodable command change event", "error", err)
					continue
				}
				var cmd Command
				if err := bson.Unmarshal(change.FullDocument, &cmd); err != nil {
					s.logger.Errorw("undecodable command document", "error", err)
					continue
				}
				if !emit(cmd) {
					goutils.UncheckedErrorFunc(func() error { return cs.Close(ctx) })
					return
				}
			}
			err = cs.Err()
			goutils.UncheckedErrorFunc(func() error { return cs.Close(ctx) })
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("command watch interrupted; reconnecting", "error", err)
			if !goutils.SelectContextOrWait(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	})

	return commands, nil
}

// DeleteCommand implements Store.
func (s *MongoStore) DeleteCommand(ctx context.Context, id string) error {
	_, err := s.commands.DeleteOne(ctx, bson.M{"_id": id})
	return errors.Wrapf(err, "command %s delete failed", id)
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > watchBackoffMax {
		return watchBackoffMax
	}
	return next
}
