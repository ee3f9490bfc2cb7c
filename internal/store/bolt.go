package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"quorum/api/internal/motion"
)

var (
	committeesBucket  = []byte("committees")
	motionsBucket     = []byte("motions")
	discussionsBucket = []byte("discussions")
	meetingsBucket    = []byte("meetings")
	profilesBucket    = []byte("profiles")
)

// BoltStore keeps every document as JSON in an embedded bbolt file. It is the
// default store for development and tests.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{committeesBucket, motionsBucket, discussionsBucket, meetingsBucket, profilesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return boltErr(s.db.View(func(tx *bbolt.Tx) error { return nil }))
}

func boltErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) || errors.Is(err, bbolt.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func getDoc[T any](tx *bbolt.Tx, bucket []byte, id string) (T, error) {
	var item T
	raw := tx.Bucket(bucket).Get([]byte(id))
	if raw == nil {
		return item, ErrNotFound
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("decode %s/%s: %w", bucket, id, err)
	}
	return item, nil
}

func putDoc(tx *bbolt.Tx, bucket []byte, id string, item any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, id, err)
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func scanDocs[T any](tx *bbolt.Tx, bucket []byte, keep func(T) bool) ([]T, error) {
	items := make([]T, 0)
	err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
		}
		if keep == nil || keep(item) {
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *BoltStore) ListCommittees(ctx context.Context) ([]Committee, error) {
	var items []Committee
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = scanDocs[Committee](tx, committeesBucket, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list committees: %w", boltErr(err))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *BoltStore) GetCommittee(ctx context.Context, id string) (Committee, error) {
	var item Committee
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getDoc[Committee](tx, committeesBucket, id)
		return err
	})
	if err != nil {
		return Committee{}, fmt.Errorf("get committee: %w", boltErr(err))
	}
	return item, nil
}

func (s *BoltStore) InsertCommittee(ctx context.Context, c Committee) (Committee, error) {
	c.Version = 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(committeesBucket).Get([]byte(c.ID)) != nil {
			return ErrAlreadyExists
		}
		return putDoc(tx, committeesBucket, c.ID, c)
	})
	if err != nil {
		return Committee{}, fmt.Errorf("insert committee %s: %w", c.ID, boltErr(err))
	}
	return c, nil
}

func (s *BoltStore) UpdateCommittee(ctx context.Context, c Committee) (Committee, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getDoc[Committee](tx, committeesBucket, c.ID)
		if err != nil {
			return err
		}
		if current.Version != c.Version {
			return ErrConflict
		}
		c.Version++
		return putDoc(tx, committeesBucket, c.ID, c)
	})
	if err != nil {
		return Committee{}, fmt.Errorf("update committee %s: %w", c.ID, boltErr(err))
	}
	return c, nil
}

func (s *BoltStore) DeleteCommittee(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(committeesBucket)
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete committee %s: %w", id, boltErr(err))
	}
	return nil
}

func sortMotions(items []motion.Motion) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *BoltStore) ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error) {
	var items []motion.Motion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = scanDocs(tx, motionsBucket, func(m motion.Motion) bool {
			return committeeID == "" || m.CommitteeID == committeeID
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list motions: %w", boltErr(err))
	}
	sortMotions(items)
	return items, nil
}

func (s *BoltStore) ListMotionsByStatus(ctx context.Context, statuses ...motion.Status) ([]motion.Motion, error) {
	wanted := make(map[motion.Status]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var items []motion.Motion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = scanDocs(tx, motionsBucket, func(m motion.Motion) bool {
			return wanted[m.Status]
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list motions by status: %w", boltErr(err))
	}
	sortMotions(items)
	return items, nil
}

func (s *BoltStore) GetMotion(ctx context.Context, id string) (motion.Motion, error) {
	var item motion.Motion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getDoc[motion.Motion](tx, motionsBucket, id)
		return err
	})
	if err != nil {
		return motion.Motion{}, fmt.Errorf("get motion: %w", boltErr(err))
	}
	return item, nil
}

func (s *BoltStore) InsertMotion(ctx context.Context, m motion.Motion) (motion.Motion, error) {
	m.Version = 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(motionsBucket).Get([]byte(m.ID)) != nil {
			return ErrAlreadyExists
		}
		return putDoc(tx, motionsBucket, m.ID, m)
	})
	if err != nil {
		return motion.Motion{}, fmt.Errorf("insert motion %s: %w", m.ID, boltErr(err))
	}
	return m, nil
}

func (s *BoltStore) UpdateMotion(ctx context.Context, m motion.Motion) (motion.Motion, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getDoc[motion.Motion](tx, motionsBucket, m.ID)
		if err != nil {
			return err
		}
		if current.Version != m.Version {
			return ErrConflict
		}
		m.Version++
		return putDoc(tx, motionsBucket, m.ID, m)
	})
	if err != nil {
		return motion.Motion{}, fmt.Errorf("update motion %s: %w", m.ID, boltErr(err))
	}
	return m, nil
}

func (s *BoltStore) DeleteMotions(ctx context.Context, ids []string) (int, error) {
	return s.deleteKeys(motionsBucket, ids)
}

func (s *BoltStore) deleteKeys(bucket []byte, ids []string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		for _, id := range ids {
			if b.Get([]byte(id)) == nil {
				continue
			}
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", bucket, boltErr(err))
	}
	return deleted, nil
}

func (s *BoltStore) ListDiscussions(ctx context.Context, motionID string) ([]Discussion, error) {
	var items []Discussion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = scanDocs(tx, discussionsBucket, func(d Discussion) bool {
			return motionID == "" || d.MotionID == motionID
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", boltErr(err))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *BoltStore) GetDiscussion(ctx context.Context, id string) (Discussion, error) {
	var item Discussion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getDoc[Discussion](tx, discussionsBucket, id)
		return err
	})
	if err != nil {
		return Discussion{}, fmt.Errorf("get discussion: %w", boltErr(err))
	}
	return item, nil
}

func (s *BoltStore) InsertDiscussion(ctx context.Context, d Discussion) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(discussionsBucket).Get([]byte(d.ID)) != nil {
			return ErrAlreadyExists
		}
		return putDoc(tx, discussionsBucket, d.ID, d)
	})
	if err != nil {
		return fmt.Errorf("insert discussion %s: %w", d.ID, boltErr(err))
	}
	return nil
}

func (s *BoltStore) DeleteDiscussions(ctx context.Context, motionIDs []string) (int, error) {
	owners := make(map[string]bool, len(motionIDs))
	for _, id := range motionIDs {
		owners[id] = true
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(discussionsBucket)
		var doomed [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var d Discussion
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if owners[d.MotionID] {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(doomed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete discussions: %w", boltErr(err))
	}
	return deleted, nil
}

func (s *BoltStore) ListMeetings(ctx context.Context, committeeID string) ([]Meeting, error) {
	var items []Meeting
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = scanDocs(tx, meetingsBucket, func(m Meeting) bool { return m.CommitteeID == committeeID })
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", boltErr(err))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *BoltStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	var item Meeting
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getDoc[Meeting](tx, meetingsBucket, id)
		return err
	})
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting: %w", boltErr(err))
	}
	return item, nil
}

func (s *BoltStore) InsertMeeting(ctx context.Context, m Meeting) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(meetingsBucket)
		if bucket.Get([]byte(m.ID)) != nil {
			return ErrAlreadyExists
		}
		clash, err := scanDocs(tx, meetingsBucket, func(existing Meeting) bool {
			return existing.CommitteeID == m.CommitteeID && existing.Seq == m.Seq
		})
		if err != nil {
			return err
		}
		if len(clash) > 0 {
			return ErrAlreadyExists
		}
		return putDoc(tx, meetingsBucket, m.ID, m)
	})
	if err != nil {
		return fmt.Errorf("insert meeting %s: %w", m.ID, boltErr(err))
	}
	return nil
}

func (s *BoltStore) UpdateMeeting(ctx context.Context, m Meeting) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(meetingsBucket).Get([]byte(m.ID)) == nil {
			return ErrNotFound
		}
		return putDoc(tx, meetingsBucket, m.ID, m)
	})
	if err != nil {
		return fmt.Errorf("update meeting %s: %w", m.ID, boltErr(err))
	}
	return nil
}

func (s *BoltStore) DeleteMeetings(ctx context.Context, committeeID string) (int, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		items, err := scanDocs(tx, meetingsBucket, func(m Meeting) bool { return m.CommitteeID == committeeID })
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete meetings: %w", boltErr(err))
	}
	return s.deleteKeys(meetingsBucket, ids)
}

func (s *BoltStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	var item Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getDoc[Profile](tx, profilesBucket, id)
		return err
	})
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", boltErr(err))
	}
	return item, nil
}

func (s *BoltStore) findProfile(match func(Profile) bool) (Profile, error) {
	var found []Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = scanDocs(tx, profilesBucket, match)
		return err
	})
	if err != nil {
		return Profile{}, boltErr(err)
	}
	if len(found) == 0 {
		return Profile{}, ErrNotFound
	}
	return found[0], nil
}

func (s *BoltStore) FindProfileByEmail(ctx context.Context, email string) (Profile, error) {
	email = strings.TrimSpace(email)
	p, err := s.findProfile(func(p Profile) bool {
		return email != "" && strings.EqualFold(p.Email, email)
	})
	if err != nil {
		return Profile{}, fmt.Errorf("find profile by email: %w", err)
	}
	return p, nil
}

func (s *BoltStore) FindProfileByUsername(ctx context.Context, username string) (Profile, error) {
	username = strings.TrimSpace(username)
	p, err := s.findProfile(func(p Profile) bool {
		return username != "" && strings.EqualFold(p.Username, username)
	})
	if err != nil {
		return Profile{}, fmt.Errorf("find profile by username: %w", err)
	}
	return p, nil
}

func profileClash(tx *bbolt.Tx, p Profile) error {
	clash, err := scanDocs(tx, profilesBucket, func(existing Profile) bool {
		if existing.ID == p.ID {
			return false
		}
		return (p.Username != "" && strings.EqualFold(existing.Username, p.Username)) ||
			(p.Email != "" && strings.EqualFold(existing.Email, p.Email))
	})
	if err != nil {
		return err
	}
	if len(clash) > 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *BoltStore) InsertProfile(ctx context.Context, p Profile) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(profilesBucket).Get([]byte(p.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := profileClash(tx, p); err != nil {
			return err
		}
		return putDoc(tx, profilesBucket, p.ID, p)
	})
	if err != nil {
		return fmt.Errorf("insert profile %s: %w", p.ID, boltErr(err))
	}
	return nil
}

func (s *BoltStore) UpdateProfile(ctx context.Context, p Profile) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(profilesBucket).Get([]byte(p.ID)) == nil {
			return ErrNotFound
		}
		if err := profileClash(tx, p); err != nil {
			return err
		}
		return putDoc(tx, profilesBucket, p.ID, p)
	})
	if err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, boltErr(err))
	}
	return nil
}

// ClaimProfile replaces the profile stored under placeholderID with p in one
// transaction, so p can take over the placeholder's username and email.
func (s *BoltStore) ClaimProfile(ctx context.Context, placeholderID string, p Profile) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(profilesBucket)
		if bucket.Get([]byte(placeholderID)) == nil {
			return ErrNotFound
		}
		if bucket.Get([]byte(p.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := bucket.Delete([]byte(placeholderID)); err != nil {
			return err
		}
		if err := profileClash(tx, p); err != nil {
			return err
		}
		return putDoc(tx, profilesBucket, p.ID, p)
	})
	if err != nil {
		return fmt.Errorf("claim profile %s: %w", placeholderID, boltErr(err))
	}
	return nil
}
