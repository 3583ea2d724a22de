package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"agrowatch/internal/model"
)

const (
	// devicesBucket stores device definitions and reported status
	devicesBucket = "_devices"

	// sensorsBucket stores sensor definitions, one sub-bucket per logical sensor id
	sensorsBucket = "_sensors"

	// rulesBucket stores actuator rules
	rulesBucket = "_rules"

	// readingsBucket stores reading history, one sub-bucket per logical sensor id
	readingsBucket = "_readings"

	// dispatchBucket stores dispatch records keyed by correlation id
	dispatchBucket = "_dispatch"

	// dispatchIndexBucket indexes dispatch records by device and queue time
	dispatchIndexBucket = "_dispatch_by_device"
)

var allBuckets = []string{
	devicesBucket,
	sensorsBucket,
	rulesBucket,
	readingsBucket,
	dispatchBucket,
	dispatchIndexBucket,
}

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	// Create the main buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// bucket returns a top-level bucket or an error if it's missing
func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}

// idKey formats numeric ids so that byte order equals numeric order
func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// timeKey formats a timestamp as a sortable key with a unique suffix
func timeKey(t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", t.UnixNano(), suffix))
}

// Device Methods

// UpsertDevice creates or replaces a device definition, keeping its reported status
func (s *BoltStorage) UpsertDevice(d model.Device) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, devicesBucket)
		if err != nil {
			return err
		}

		if data := b.Get([]byte(d.ID)); data != nil {
			var existing model.Device
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
			if existing.Status != "" {
				d.Status = existing.Status
			}
			if d.LastSeen.IsZero() {
				d.LastSeen = existing.LastSeen
			}
		}

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return b.Put([]byte(d.ID), data)
	})
}

// GetDevice returns a device by id
func (s *BoltStorage) GetDevice(id string) (*model.Device, error) {
	var d *model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, devicesBucket)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		d = &model.Device{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("failed to unmarshal device: %w", err)
		}
		return nil
	})
	return d, err
}

// ListDevices returns all devices ordered by id
func (s *BoltStorage) ListDevices() ([]model.Device, error) {
	var devices []model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, devicesBucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var d model.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal device %s: %w", k, err)
			}
			devices = append(devices, d)
			return nil
		})
	})
	return devices, err
}

// SetDeviceStatus records a reported status, creating the device if needed
func (s *BoltStorage) SetDeviceStatus(id, status string, lastSeen time.Time, capabilities []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, devicesBucket)
		if err != nil {
			return err
		}

		d := model.Device{ID: id}
		if data := b.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}

		d.Status = status
		if !lastSeen.IsZero() {
			d.LastSeen = lastSeen
		}
		if capabilities != nil {
			d.Capabilities = capabilities
		}

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// Sensor and Rule Methods

// ReplaceDefinitions swaps every stored sensor definition and rule for the
// given sets in one transaction, so definitions removed from the source stop
// matching and firing
func (s *BoltStorage) ReplaceDefinitions(sensors []model.SensorDefinition, rules []model.ActuatorRule) error {
	for _, def := range sensors {
		if def.SensorID == "" {
			return fmt.Errorf("sensor %d has no sensor id", def.ID)
		}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		sensorsB, err := recreateBucket(tx, sensorsBucket)
		if err != nil {
			return err
		}
		for _, def := range sensors {
			sensorBucket, err := sensorsB.CreateBucketIfNotExists([]byte(def.SensorID))
			if err != nil {
				return fmt.Errorf("failed to create sensor bucket: %w", err)
			}
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal sensor: %w", err)
			}
			if err := sensorBucket.Put(idKey(def.ID), data); err != nil {
				return err
			}
		}

		rulesB, err := recreateBucket(tx, rulesBucket)
		if err != nil {
			return err
		}
		for _, r := range rules {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal rule: %w", err)
			}
			if err := rulesB.Put(idKey(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// recreateBucket drops a top-level bucket with its contents and creates it empty
func recreateBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to clear %s bucket: %w", name, err)
	}
	b, err := tx.CreateBucket([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s bucket: %w", name, err)
	}
	return b, nil
}

// SensorsByID returns all definitions sharing one logical sensor id
func (s *BoltStorage) SensorsByID(sensorID string) ([]model.SensorDefinition, error) {
	var defs []model.SensorDefinition
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}

		sensorBucket := b.Bucket([]byte(sensorID))
		if sensorBucket == nil {
			// Unknown sensor - return empty list
			return nil
		}

		return sensorBucket.ForEach(func(k, v []byte) error {
			var def model.SensorDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("failed to unmarshal sensor: %w", err)
			}
			defs = append(defs, def)
			return nil
		})
	})
	return defs, err
}

// EnabledRules returns enabled rules for a violation kind, ordered by id
func (s *BoltStorage) EnabledRules(kind model.ViolationKind) ([]model.ActuatorRule, error) {
	var rules []model.ActuatorRule
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, rulesBucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var r model.ActuatorRule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal rule: %w", err)
			}
			if r.Enabled && r.ViolationKind == kind {
				rules = append(rules, r)
			}
			return nil
		})
	})
	return rules, err
}

// Reading Methods

// SaveReading appends a reading to the sensor's history
func (s *BoltStorage) SaveReading(r model.Reading) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}

		sensorBucket, err := b.CreateBucketIfNotExists([]byte(r.SensorID))
		if err != nil {
			return fmt.Errorf("failed to create readings bucket: %w", err)
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}

		// Use timestamp as key (formatted as Unix nano for sorting)
		return sensorBucket.Put(timeKey(r.Timestamp, fmt.Sprintf("%d", r.DefinitionID)), data)
	})
}

// GetReadings returns the last N readings, ordered from oldest to newest
func (s *BoltStorage) GetReadings(sensorID string, limit int) ([]model.Reading, error) {
	var readings []model.Reading
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}

		sensorBucket := b.Bucket([]byte(sensorID))
		if sensorBucket == nil {
			return nil
		}

		// Walk backwards from the newest entry
		cursor := sensorBucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(readings) < limit; k, v = cursor.Prev() {
			var r model.Reading
			if err := json.Unmarshal(v, &r); err != nil {
				continue // Skip corrupted entries
			}
			readings = append(readings, r)
		}
		return nil
	})

	// Reverse to oldest first
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, err
}

// TrimReadings keeps only the last max readings of a sensor
func (s *BoltStorage) TrimReadings(sensorID string, max int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}

		sensorBucket := b.Bucket([]byte(sensorID))
		if sensorBucket == nil {
			return nil
		}

		// If we're under the limit, nothing to do
		count := sensorBucket.Stats().KeyN
		if count <= max {
			return nil
		}

		// Collect the oldest keys first; deleting while iterating skips entries
		toDelete := make([][]byte, 0, count-max)
		cursor := sensorBucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(toDelete) < count-max; k, _ = cursor.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := sensorBucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old reading: %w", err)
			}
		}
		return nil
	})
}

// Dispatch Record Methods

// CreateDispatch stores a new record and indexes it by device
func (s *BoltStorage) CreateDispatch(rec *model.DispatchRecord) error {
	if rec.CorrelationID == "" {
		return fmt.Errorf("dispatch record has no correlation id")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, dispatchBucket)
		if err != nil {
			return err
		}
		index, err := bucket(tx, dispatchIndexBucket)
		if err != nil {
			return err
		}

		if b.Get([]byte(rec.CorrelationID)) != nil {
			return ErrDuplicateCorrelation
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal dispatch record: %w", err)
		}
		if err := b.Put([]byte(rec.CorrelationID), data); err != nil {
			return err
		}

		deviceIndex, err := index.CreateBucketIfNotExists([]byte(rec.DeviceID))
		if err != nil {
			return fmt.Errorf("failed to create device index: %w", err)
		}
		return deviceIndex.Put(timeKey(rec.QueuedAt, rec.CorrelationID), []byte(rec.CorrelationID))
	})
}

// GetDispatch returns a record by correlation id
func (s *BoltStorage) GetDispatch(correlationID string) (*model.DispatchRecord, error) {
	var rec *model.DispatchRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, dispatchBucket)
		if err != nil {
			return err
		}

		rec, err = getDispatch(b, correlationID)
		return err
	})
	return rec, err
}

func getDispatch(b *bbolt.Bucket, correlationID string) (*model.DispatchRecord, error) {
	data := b.Get([]byte(correlationID))
	if data == nil {
		return nil, ErrNotFound
	}

	rec := &model.DispatchRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispatch record: %w", err)
	}
	return rec, nil
}

// TransitionDispatch atomically applies mutate if the record's state is one of from.
// bbolt serializes write transactions, so the state check and the write cannot interleave
// with another transition.
func (s *BoltStorage) TransitionDispatch(correlationID string, from []model.State, mutate func(*model.DispatchRecord)) (*model.DispatchRecord, error) {
	var rec *model.DispatchRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, dispatchBucket)
		if err != nil {
			return err
		}

		rec, err = getDispatch(b, correlationID)
		if err != nil {
			return err
		}

		allowed := false
		for _, st := range from {
			if rec.State == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrStateConflict
		}

		mutate(rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal dispatch record: %w", err)
		}
		return b.Put([]byte(correlationID), data)
	})
	return rec, err
}

// ListDispatches returns a device's records queued within [from, to], oldest first
func (s *BoltStorage) ListDispatches(deviceID string, from, to time.Time) ([]model.DispatchRecord, error) {
	var records []model.DispatchRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, dispatchBucket)
		if err != nil {
			return err
		}
		index, err := bucket(tx, dispatchIndexBucket)
		if err != nil {
			return err
		}

		deviceIndex := index.Bucket([]byte(deviceID))
		if deviceIndex == nil {
			return nil
		}

		start := []byte(fmt.Sprintf("%020d", from.UnixNano()))
		end := []byte(fmt.Sprintf("%020d~", to.UnixNano()))

		cursor := deviceIndex.Cursor()
		for k, v := cursor.Seek(start); k != nil && string(k) <= string(end); k, v = cursor.Next() {
			rec, err := getDispatch(b, string(v))
			if err != nil {
				continue // Index entry without record
			}
			records = append(records, *rec)
		}
		return nil
	})

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].QueuedAt.Before(records[j].QueuedAt)
	})
	return records, err
}

// OpenDispatches returns every record still queued or sent, oldest first
func (s *BoltStorage) OpenDispatches() ([]model.DispatchRecord, error) {
	var records []model.DispatchRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, dispatchBucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var rec model.DispatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal dispatch record %s: %w", k, err)
			}
			if rec.State == model.StateQueued || rec.State == model.StateSent {
				records = append(records, rec)
			}
			return nil
		})
	})

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].QueuedAt.Before(records[j].QueuedAt)
	})
	return records, err
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

var _ Storage = (*BoltStorage)(nil)
