package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStreamers      = []byte("streamers")
	bucketStreamersByTid = []byte("streamers_by_twitch_id")
	bucketStreams        = []byte("streams")
	bucketLiveByStreamer = []byte("live_stream_by_streamer")
	bucketEvents         = []byte("stream_events")
	bucketRecordings     = []byte("recordings")
	bucketProcState      = []byte("processing_state")
	bucketMetadata       = []byte("stream_metadata")
	bucketEpisodeCounter = []byte("episode_counters")
	bucketSequences      = []byte("sequences")
)

var allBuckets = [][]byte{
	bucketStreamers, bucketStreamersByTid, bucketStreams, bucketLiveByStreamer,
	bucketEvents, bucketRecordings, bucketProcState, bucketMetadata,
	bucketEpisodeCounter, bucketSequences,
}

// BoltStore is the bbolt-backed Stream Store.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

// DB exposes the underlying handle so the job queue can share one bbolt
// file with the entity buckets.
func (b *BoltStore) DB() *bolt.DB { return b.db }

func itob(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func nextSeq(tx *bolt.Tx, name string) (int64, error) {
	bkt := tx.Bucket(bucketSequences)
	n, err := bkt.NextSequence()
	if err != nil {
		return 0, err
	}
	_ = name
	return int64(n), nil
}

// --- Streamers ---

func (b *BoltStore) AddStreamer(ctx context.Context, s *model.Streamer) (*model.Streamer, error) {
	out := *s
	err := b.db.Update(func(tx *bolt.Tx) error {
		id, err := nextSeq(tx, "streamer")
		if err != nil {
			return err
		}
		out.ID = id
		val, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketStreamers).Put(itob(id), val); err != nil {
			return err
		}
		if out.TwitchID != "" {
			if err := tx.Bucket(bucketStreamersByTid).Put([]byte(out.TwitchID), itob(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveStreamer deletes the streamer and cascades to its Streams and their
// children, matching the cascade-delete ownership of the entity tree.
func (b *BoltStore) RemoveStreamer(ctx context.Context, id int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket(bucketStreamers)
		val := sBkt.Get(itob(id))
		if val == nil {
			return ErrNotFound
		}
		var s model.Streamer
		if err := json.Unmarshal(val, &s); err != nil {
			return err
		}
		if s.TwitchID != "" {
			_ = tx.Bucket(bucketStreamersByTid).Delete([]byte(s.TwitchID))
		}
		_ = tx.Bucket(bucketLiveByStreamer).Delete(itob(id))

		var toDelete []int64
		c := tx.Bucket(bucketStreams).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var st model.Stream
			if err := json.Unmarshal(v, &st); err != nil {
				continue
			}
			if st.StreamerID == id {
				toDelete = append(toDelete, st.ID)
			}
		}
		for _, sid := range toDelete {
			if err := cascadeDeleteStream(tx, sid); err != nil {
				return err
			}
		}
		return sBkt.Delete(itob(id))
	})
}

func cascadeDeleteStream(tx *bolt.Tx, streamID int64) error {
	_ = tx.Bucket(bucketStreams).Delete(itob(streamID))
	_ = tx.Bucket(bucketEvents).Delete(itob(streamID))
	_ = tx.Bucket(bucketMetadata).Delete(itob(streamID))

	rc := tx.Bucket(bucketRecordings).Cursor()
	var recIDs []int64
	for k, v := rc.First(); k != nil; k, v = rc.Next() {
		var r model.Recording
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		if r.StreamID == streamID {
			recIDs = append(recIDs, r.ID)
		}
	}
	for _, rid := range recIDs {
		_ = tx.Bucket(bucketRecordings).Delete(itob(rid))
		_ = tx.Bucket(bucketProcState).Delete(itob(rid))
	}
	return nil
}

func (b *BoltStore) GetStreamer(ctx context.Context, id int64) (*model.Streamer, error) {
	var s model.Streamer
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketStreamers).Get(itob(id))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

func (b *BoltStore) GetStreamerByTwitchID(ctx context.Context, twitchID string) (*model.Streamer, error) {
	var id int64
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketStreamersByTid).Get([]byte(twitchID))
		if val == nil {
			return nil
		}
		found = true
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return b.GetStreamer(ctx, id)
}

func (b *BoltStore) UpdateStreamer(ctx context.Context, id int64, fn func(*model.Streamer) error) (*model.Streamer, error) {
	var out model.Streamer
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketStreamers)
		val := bkt.Get(itob(id))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		oldTid := out.TwitchID
		if err := fn(&out); err != nil {
			return err
		}
		newVal, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		if err := bkt.Put(itob(id), newVal); err != nil {
			return err
		}
		if out.TwitchID != oldTid {
			if oldTid != "" {
				_ = tx.Bucket(bucketStreamersByTid).Delete([]byte(oldTid))
			}
			if out.TwitchID != "" {
				_ = tx.Bucket(bucketStreamersByTid).Put([]byte(out.TwitchID), itob(id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) ListStreamers(ctx context.Context) ([]*model.Streamer, error) {
	var out []*model.Streamer
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStreamers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.Streamer
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return nil
	})
	return out, err
}

// --- Streams ---

// FindOrCreateLiveStream implements the "at most one live Stream per
// streamer" invariant atomically: if a live Stream already exists
// for streamerID it is returned with created=false, otherwise one is made.
func (b *BoltStore) FindOrCreateLiveStream(ctx context.Context, streamerID int64, startedAt time.Time, twitchStreamID, title, category, language string) (*model.Stream, bool, error) {
	var out model.Stream
	created := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		liveBkt := tx.Bucket(bucketLiveByStreamer)
		if existing := liveBkt.Get(itob(streamerID)); existing != nil {
			id := int64(binary.BigEndian.Uint64(existing))
			val := tx.Bucket(bucketStreams).Get(itob(id))
			if val != nil {
				return json.Unmarshal(val, &out)
			}
		}

		id, err := nextSeq(tx, "stream")
		if err != nil {
			return err
		}
		out = model.Stream{
			ID:             id,
			StreamerID:     streamerID,
			TwitchStreamID: twitchStreamID,
			StartedAt:      startedAt,
			Title:          title,
			Category:       category,
			Language:       language,
		}
		val, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketStreams).Put(itob(id), val); err != nil {
			return err
		}
		created = true
		return liveBkt.Put(itob(streamerID), itob(id))
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (b *BoltStore) EndStream(ctx context.Context, streamID int64, endedAt time.Time) (*model.Stream, error) {
	out, err := b.UpdateStream(ctx, streamID, func(s *model.Stream) error {
		if s.EndedAt != nil {
			return nil // idempotent: ended_at never changes once set
		}
		if endedAt.Before(s.StartedAt) {
			endedAt = s.StartedAt
		}
		t := endedAt
		s.EndedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLiveByStreamer).Delete(itob(out.StreamerID))
	})
	return out, nil
}

func (b *BoltStore) GetStream(ctx context.Context, id int64) (*model.Stream, error) {
	var s model.Stream
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketStreams).Get(itob(id))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

func (b *BoltStore) GetLiveStream(ctx context.Context, streamerID int64) (*model.Stream, error) {
	var id int64
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketLiveByStreamer).Get(itob(streamerID))
		if val == nil {
			return nil
		}
		found = true
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return b.GetStream(ctx, id)
}

func (b *BoltStore) UpdateStream(ctx context.Context, id int64, fn func(*model.Stream) error) (*model.Stream, error) {
	var out model.Stream
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketStreams)
		val := bkt.Get(itob(id))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		newVal, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return bkt.Put(itob(id), newVal)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) RecentStreamsByStreamer(ctx context.Context, streamerID int64) ([]*model.Stream, error) {
	var out []*model.Stream
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStreams).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.Stream
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.StreamerID == streamerID {
				cp := s
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (b *BoltStore) AppendStreamEvent(ctx context.Context, streamID int64, e *model.StreamEvent) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEvents)
		var list []model.StreamEvent
		if val := bkt.Get(itob(streamID)); val != nil {
			if err := json.Unmarshal(val, &list); err != nil {
				return err
			}
		}
		id, err := nextSeq(tx, "event")
		if err != nil {
			return err
		}
		e.ID = id
		e.StreamID = streamID
		list = append(list, *e)
		sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
		val, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return bkt.Put(itob(streamID), val)
	})
}

func (b *BoltStore) StreamEvents(ctx context.Context, streamID int64) ([]*model.StreamEvent, error) {
	var list []model.StreamEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketEvents).Get(itob(streamID))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, &list)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.StreamEvent, len(list))
	for i := range list {
		out[i] = &list[i]
	}
	return out, nil
}

// EpisodeNumber returns a monotonic per-(streamer, year, month) counter.
func (b *BoltStore) EpisodeNumber(ctx context.Context, streamerID int64, year int, month time.Month) (int, error) {
	key := []byte(fmt.Sprintf("%d:%04d%02d", streamerID, year, int(month)))
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEpisodeCounter)
		if val := bkt.Get(key); val != nil {
			n = int(binary.BigEndian.Uint32(val))
		}
		n++
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		return bkt.Put(key, buf)
	})
	return n, err
}

// --- Recordings ---

// CreateRecording enforces "at most one Recording per Stream has
// status=recording" by rejecting creation if one is still active.
func (b *BoltStore) CreateRecording(ctx context.Context, streamID int64, startTime time.Time, path string) (*model.Recording, error) {
	var out model.Recording
	err := b.db.Update(func(tx *bolt.Tx) error {
		rc := tx.Bucket(bucketRecordings).Cursor()
		for k, v := rc.First(); k != nil; k, v = rc.Next() {
			var r model.Recording
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.StreamID == streamID && r.Status == model.RecordingStatusRecording {
				return fmt.Errorf("stream %d already has an active recording", streamID)
			}
		}
		id, err := nextSeq(tx, "recording")
		if err != nil {
			return err
		}
		out = model.Recording{
			ID:        id,
			StreamID:  streamID,
			StartTime: startTime,
			Status:    model.RecordingStatusRecording,
			Path:      path,
		}
		val, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecordings).Put(itob(id), val); err != nil {
			return err
		}
		ps := model.ProcessingState{RecordingID: id,
			Metadata: model.StepPending, Chapters: model.StepPending,
			MP4Remux: model.StepPending, MP4Validation: model.StepPending,
			Thumbnail: model.StepPending, Cleanup: model.StepPending,
			UpdatedAt: time.Now(),
		}
		psVal, err := json.Marshal(&ps)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcState).Put(itob(id), psVal)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) UpdateRecording(ctx context.Context, id int64, fields RecordingFields) (*model.Recording, error) {
	var out model.Recording
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecordings)
		val := bkt.Get(itob(id))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		if fields.EndTime != nil {
			out.EndTime = fields.EndTime
		}
		if fields.Status != nil {
			out.Status = *fields.Status
		}
		if fields.Path != nil {
			out.Path = *fields.Path
		}
		if fields.Duration != nil {
			out.Duration = *fields.Duration
		}
		newVal, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return bkt.Put(itob(id), newVal)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) GetRecording(ctx context.Context, id int64) (*model.Recording, error) {
	var r model.Recording
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketRecordings).Get(itob(id))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &r, nil
}

func (b *BoltStore) ListOrphanedRecordings(ctx context.Context) ([]*model.Recording, error) {
	var out []*model.Recording
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecordings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.Recording
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == model.RecordingStatusRecording {
				cp := r
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) ActiveRecordingCount(ctx context.Context) (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecordings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.Recording
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == model.RecordingStatusRecording {
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- Processing state ---

func (b *BoltStore) SetProcessingStep(ctx context.Context, recordingID int64, step string, status model.StepStatus, lastError string) (*model.ProcessingState, error) {
	var out model.ProcessingState
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketProcState)
		val := bkt.Get(itob(recordingID))
		if val == nil {
			out = model.ProcessingState{RecordingID: recordingID,
				Metadata: model.StepPending, Chapters: model.StepPending,
				MP4Remux: model.StepPending, MP4Validation: model.StepPending,
				Thumbnail: model.StepPending, Cleanup: model.StepPending,
			}
		} else if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		out.SetStep(step, status)
		if lastError != "" {
			out.LastError = lastError
		}
		out.UpdatedAt = time.Now()
		newVal, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return bkt.Put(itob(recordingID), newVal)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) GetProcessingState(ctx context.Context, recordingID int64) (*model.ProcessingState, error) {
	var out model.ProcessingState
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketProcState).Get(itob(recordingID))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &out)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

// --- Metadata ---

func (b *BoltStore) PutStreamMetadata(ctx context.Context, m *model.StreamMetadata) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		val, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(itob(m.StreamID), val)
	})
}

func (b *BoltStore) GetStreamMetadata(ctx context.Context, streamID int64) (*model.StreamMetadata, error) {
	var m model.StreamMetadata
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketMetadata).Get(itob(streamID))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}
