package reminder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultKVBucket is the JetStream bucket reminders live in.
const DefaultKVBucket = "NAGBOT_REMINDERS"

const (
	kvReminderPrefix = "rem."
	kvSubjectPrefix  = "subj."
)

// KVStore keeps reminders in a NATS JetStream key/value bucket. The
// entry revision is the reminder version, so Save maps directly onto the
// bucket's compare-and-set Update.
//
// Unlike the SQL stores, replacing a subject's reminder is two steps:
// the old reminder is saved first, then the new one is created.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore opens or creates the bucket on an existing connection.
func NewKVStore(ctx context.Context, nc *nats.Conn, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultKVBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Reminder state for the escalation engine",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVStore{bucket: kv}, nil
}

func newKVStoreWithBucket(kv jetstream.KeyValue) *KVStore {
	return &KVStore{bucket: kv}
}

func (s *KVStore) Close() error {
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Status(ctx); err != nil {
		return fmt.Errorf("%w: bucket status: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func reminderKey(id string) string {
	return kvReminderPrefix + id
}

func subjectIndexKey(ownerID, subjectRef string) string {
	enc := base64.RawURLEncoding
	return kvSubjectPrefix + enc.EncodeToString([]byte(ownerID)) + "." + enc.EncodeToString([]byte(subjectRef))
}

func (s *KVStore) Load(ctx context.Context, id string) (*Reminder, error) {
	entry, err := s.bucket.Get(ctx, reminderKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, unavailable("get reminder", err)
	}
	return decodeKVReminder(entry)
}

func decodeKVReminder(entry jetstream.KeyValueEntry) (*Reminder, error) {
	var r Reminder
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal reminder %s: %w", entry.Key(), err)
	}
	r.Version = entry.Revision()
	return &r, nil
}

func (s *KVStore) Save(ctx context.Context, r *Reminder) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}

	rev, err := s.bucket.Update(ctx, reminderKey(r.ID), data, r.Version)
	if err != nil {
		if !isWrongRevision(err) {
			return unavailable("update reminder", err)
		}
		if _, lerr := s.Load(ctx, r.ID); errors.Is(lerr, ErrNotFound) {
			return lerr
		}
		return fmt.Errorf("%w: %s at version %d", ErrConflict, r.ID, r.Version)
	}
	r.Version = rev

	if r.State.Terminal() {
		s.releaseSubject(ctx, r)
	}
	return nil
}

// releaseSubject drops the subject index entry if it still points at r.
// A stale entry is tolerated by FindBySubject and Insert.
func (s *KVStore) releaseSubject(ctx context.Context, r *Reminder) {
	key := subjectIndexKey(r.OwnerID, r.SubjectRef)
	entry, err := s.bucket.Get(ctx, key)
	if err != nil || string(entry.Value()) != r.ID {
		return
	}
	_ = s.bucket.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
}

// Insert stores r, first saving replaced when it is set. The bucket has no
// transactions, so unlike the SQL stores the replace is two steps: if the
// create fails after replaced was saved, replaced stays cancelled and r
// does not exist. Callers that must not lose the subject's reminder
// should retry the create on ErrStoreUnavailable.
func (s *KVStore) Insert(ctx context.Context, r *Reminder, replaced *Reminder) error {
	if replaced != nil {
		if err := s.Save(ctx, replaced); err != nil {
			return err
		}
	}

	if err := s.claimSubject(ctx, r); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}
	rev, err := s.bucket.Create(ctx, reminderKey(r.ID), data)
	if err != nil {
		s.releaseSubject(ctx, r)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: id %s already exists", ErrConflict, r.ID)
		}
		return unavailable("create reminder", err)
	}
	r.Version = rev
	return nil
}

// claimSubject points the subject index at r, failing with ErrConflict
// if it points at another active reminder.
func (s *KVStore) claimSubject(ctx context.Context, r *Reminder) error {
	key := subjectIndexKey(r.OwnerID, r.SubjectRef)

	_, err := s.bucket.Create(ctx, key, []byte(r.ID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return unavailable("claim subject", err)
	}

	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return fmt.Errorf("%w: subject index for %q changed", ErrConflict, r.SubjectRef)
		}
		return unavailable("read subject index", err)
	}

	holder := string(entry.Value())
	cur, err := s.Load(ctx, holder)
	if err == nil && cur.Active() {
		return fmt.Errorf("%w: subject %q already has active reminder %s", ErrConflict, r.SubjectRef, holder)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := s.bucket.Update(ctx, key, []byte(r.ID), entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return fmt.Errorf("%w: subject index for %q changed", ErrConflict, r.SubjectRef)
		}
		return unavailable("claim subject", err)
	}
	return nil
}

func (s *KVStore) FindDue(ctx context.Context, before time.Time) ([]string, error) {
	all, err := s.scan(ctx, func(r *Reminder) bool { return r.dueBy(before) })
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].NextFireAt.Before(*all[j].NextFireAt) })

	ids := make([]string, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *KVStore) FindBySubject(ctx context.Context, ownerID, subjectRef string) (string, bool, error) {
	entry, err := s.bucket.Get(ctx, subjectIndexKey(ownerID, subjectRef))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return "", false, nil
		}
		return "", false, unavailable("read subject index", err)
	}

	id := string(entry.Value())
	r, err := s.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if !r.Active() {
		return "", false, nil
	}
	return id, true, nil
}

func (s *KVStore) ListByOwner(ctx context.Context, ownerID string) ([]*Reminder, error) {
	out, err := s.scan(ctx, func(r *Reminder) bool { return r.OwnerID == ownerID && r.Active() })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// scan walks every reminder key in the bucket.
func (s *KVStore) scan(ctx context.Context, keep func(*Reminder) bool) ([]*Reminder, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// No keys is not an error - return empty slice
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, unavailable("list keys", err)
	}

	var out []*Reminder
	for _, key := range keys {
		if !strings.HasPrefix(key, kvReminderPrefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			// ErrKeyDeleted is expected during concurrent access
			if errors.Is(err, jetstream.ErrKeyDeleted) || errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, unavailable("get reminder", err)
		}
		r, err := decodeKVReminder(entry)
		if err != nil {
			return nil, err
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
