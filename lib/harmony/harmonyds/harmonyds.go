// Package harmonyds keeps harmony tasks in an IPFS datastore. Every task is
// one JSON record under /harmony/task/<base32 id>, so ids stay opaque
// however many slashes or dots they hold. Versions come from a stored
// counter, so a version is never reused even when an id is.
//
// Compare-and-swap is serialised by a process-local lock, so a Store is only
// safe to share between engines in the same process.
package harmonyds

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/filecoin-project/go-storedcounter"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	levelds "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-base32"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

var log = logging.Logger("harmonyds")

var (
	taskPrefix  = datastore.NewKey("/harmony/task")
	counterKey  = datastore.NewKey("/harmony/meta/version")
	_           = harmonytask.TaskStore(&Store{})
	errNoRecord = xerrors.New("no record")
)

type Store struct {
	base  datastore.Batching
	tasks datastore.Datastore
	seq   *storedcounter.StoredCounter

	lk sync.Mutex
}

// New wraps an existing datastore. Close closes it.
func New(d datastore.Batching) *Store {
	return &Store{
		base:  d,
		tasks: namespace.Wrap(d, taskPrefix),
		seq:   storedcounter.New(d, counterKey),
	}
}

// NewMap returns a store backed by a synchronised in-memory map.
func NewMap() *Store {
	return New(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// NewLevelDB opens, or creates, a LevelDB store at path.
func NewLevelDB(path string) (*Store, error) {
	d, err := levelds.NewDatastore(path, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, xerrors.Errorf("open leveldb: %w", err)
	}
	log.Infow("opened leveldb task store", "path", path)
	return New(d), nil
}

// taskKey encodes id so that NewKey's path cleaning cannot fold distinct ids
// such as "a", "/a" and "x/../a" onto one record.
func taskKey(id string) datastore.Key {
	return datastore.NewKey(base32.RawStdEncoding.EncodeToString([]byte(id)))
}

func (s *Store) nextVersion() (string, error) {
	v, err := s.seq.Next()
	if err != nil {
		return "", xerrors.Errorf("bumping version counter: %w", err)
	}
	return strconv.FormatUint(v, 10), nil
}

func (s *Store) read(ctx context.Context, id string) (harmonytask.ConcreteTaskInstance, error) {
	b, err := s.tasks.Get(ctx, taskKey(id))
	if xerrors.Is(err, datastore.ErrNotFound) {
		return harmonytask.ConcreteTaskInstance{}, harmonytask.ErrTaskNotFound
	}
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("reading task %s: %w", id, err)
	}
	return decode(b)
}

func (s *Store) write(ctx context.Context, t harmonytask.ConcreteTaskInstance) error {
	b, err := json.Marshal(t)
	if err != nil {
		return xerrors.Errorf("encoding task %s: %w", t.ID, err)
	}
	if err := s.tasks.Put(ctx, taskKey(t.ID), b); err != nil {
		return xerrors.Errorf("writing task %s: %w", t.ID, err)
	}
	return nil
}

func decode(b []byte) (harmonytask.ConcreteTaskInstance, error) {
	var t harmonytask.ConcreteTaskInstance
	if err := json.Unmarshal(b, &t); err != nil {
		return t, xerrors.Errorf("decoding task: %w", err)
	}
	if t.ID == "" {
		return t, errNoRecord
	}
	return t, nil
}

// scan walks every stored task and keeps the ones f accepts.
func (s *Store) scan(ctx context.Context, f func(harmonytask.ConcreteTaskInstance) bool) ([]harmonytask.ConcreteTaskInstance, error) {
	res, err := s.tasks.Query(ctx, query.Query{})
	if err != nil {
		return nil, xerrors.Errorf("querying tasks: %w", err)
	}
	defer res.Close() //nolint:errcheck

	ents, err := res.Rest()
	if err != nil {
		return nil, xerrors.Errorf("reading task query: %w", err)
	}

	var out []harmonytask.ConcreteTaskInstance
	for _, ent := range ents {
		t, err := decode(ent.Value)
		if err != nil {
			log.Warnw("skipping unreadable task record", "key", ent.Key, "error", err)
			continue
		}
		if f(t) {
			out = append(out, t)
		}
	}
	harmonytask.SortCandidates(out)
	return out, nil
}

func (s *Store) FetchCandidates(ctx context.Context, q harmonytask.CandidateQuery) ([]harmonytask.ConcreteTaskInstance, error) {
	out, err := s.scan(ctx, q.Matches)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion string, u harmonytask.TaskUpdate) (harmonytask.ConcreteTaskInstance, harmonytask.CASOutcome, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, err := s.read(ctx, id)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, err
	}
	if t.Version != expectedVersion {
		return t, harmonytask.CASConflicted, nil
	}

	u.ApplyTo(&t)
	if t.Version, err = s.nextVersion(); err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, err
	}
	if err := s.write(ctx, t); err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, err
	}
	return t, harmonytask.CASApplied, nil
}

func (s *Store) Get(ctx context.Context, id string) (harmonytask.ConcreteTaskInstance, error) {
	return s.read(ctx, id)
}

func (s *Store) Insert(ctx context.Context, t harmonytask.ConcreteTaskInstance) (harmonytask.ConcreteTaskInstance, error) {
	if t.ID == "" {
		return harmonytask.ConcreteTaskInstance{}, xerrors.New("task has no id")
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	has, err := s.tasks.Has(ctx, taskKey(t.ID))
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("checking task %s: %w", t.ID, err)
	}
	if has {
		return harmonytask.ConcreteTaskInstance{}, harmonytask.ErrTaskAlreadyExists
	}

	t = t.Clone()
	if t.Version, err = s.nextVersion(); err != nil {
		return harmonytask.ConcreteTaskInstance{}, err
	}
	if err := s.write(ctx, t); err != nil {
		return harmonytask.ConcreteTaskInstance{}, err
	}
	return t, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	has, err := s.tasks.Has(ctx, taskKey(id))
	if err != nil {
		return xerrors.Errorf("checking task %s: %w", id, err)
	}
	if !has {
		return harmonytask.ErrTaskNotFound
	}
	return s.tasks.Delete(ctx, taskKey(id))
}

func (s *Store) RemoveVersion(ctx context.Context, id string, expectedVersion string) (harmonytask.CASOutcome, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	if t.Version != expectedVersion {
		return harmonytask.CASConflicted, nil
	}
	if err := s.tasks.Delete(ctx, taskKey(id)); err != nil {
		return 0, xerrors.Errorf("removing task %s: %w", id, err)
	}
	return harmonytask.CASApplied, nil
}

func (s *Store) List(ctx context.Context, q harmonytask.ListQuery) ([]harmonytask.ConcreteTaskInstance, error) {
	out, err := s.scan(ctx, q.Matches)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.base.Close()
}
