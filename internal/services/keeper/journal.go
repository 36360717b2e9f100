package keeper

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

const (
	DefaultJournalDir = "./wal/keeper"

	submissionKeyPrefix = "keeper_submission_"

	SubmissionPending = "pending"
	SubmissionDone    = "done"
	SubmissionFailed  = "failed"
)

// Submission one batch handed to the ledger.
type Submission struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Payload  string          `json:"payload"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"time"`
	Executed []uint64        `json:"executed,omitempty"`
	Failed   []uint64        `json:"failed,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Journal records submissions so an interrupted tick can be told apart from a
// finished one after restart.
type Journal struct {
	mu          sync.Mutex
	wal         *gowal.Wal
	submissions []*Submission
	index       map[string]*Submission
	l           *zap.Logger
}

// OpenJournal opens the submission log in dir and closes out submissions left
// pending by a previous run.
func OpenJournal(l *zap.Logger, dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultJournalDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "keeper_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init keeper WAL")
	}

	j := &Journal{wal: wal, index: make(map[string]*Submission), l: l}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, submissionKeyPrefix) {
			continue
		}

		var sub Submission
		if err := json.Unmarshal(msg.Value, &sub); err != nil {
			l.Error("failed to unmarshal keeper submission", zap.Error(err), zap.String("key", msg.Key))
			continue
		}

		if prev, ok := j.index[sub.ID]; ok {
			*prev = sub
			continue
		}
		subCopy := sub
		j.submissions = append(j.submissions, &subCopy)
		j.index[sub.ID] = &subCopy
	}

	// the ledger journal already decided whether an interrupted batch committed
	for _, sub := range j.submissions {
		if sub.Status != SubmissionPending {
			continue
		}
		l.Warn("keeper submission interrupted by restart", zap.String("id", sub.ID))
		if err := j.markFailedLocked(sub, errors.New("interrupted before completion")); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}

	return j, nil
}

// Prepare records a pending submission of payload.
func (j *Journal) Prepare(payload []byte, fee decimal.Decimal, now time.Time) (*Submission, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	sub := &Submission{
		ID:      uuid.New().String(),
		Status:  SubmissionPending,
		Payload: hex.EncodeToString(payload),
		Fee:     fee,
		Time:    now,
	}
	if err := j.persist(sub); err != nil {
		return nil, err
	}

	j.submissions = append(j.submissions, sub)
	j.index[sub.ID] = sub
	return sub, nil
}

// MarkDone records the outcome of an executed submission.
func (j *Journal) MarkDone(sub *Submission, res domain.BatchResult) error {
	if sub == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	sub.Status = SubmissionDone
	sub.Error = ""
	sub.Executed = make([]uint64, 0, len(res.Executed))
	for _, e := range res.Executed {
		sub.Executed = append(sub.Executed, e.ID)
	}
	sub.Failed = nil
	for _, f := range res.Failed {
		sub.Failed = append(sub.Failed, f.ID)
	}
	return j.persist(sub)
}

// MarkFailed records that the submission was rejected as a whole.
func (j *Journal) MarkFailed(sub *Submission, err error) error {
	if sub == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.markFailedLocked(sub, err)
}

func (j *Journal) markFailedLocked(sub *Submission, err error) error {
	sub.Status = SubmissionFailed
	if err != nil {
		sub.Error = err.Error()
	} else {
		sub.Error = ""
	}
	return j.persist(sub)
}

// Submissions returns copies of all known submissions in submission order.
func (j *Journal) Submissions() []Submission {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Submission, len(j.submissions))
	for i, sub := range j.submissions {
		out[i] = *sub
	}
	return out
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

func (j *Journal) persist(sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return errors.Wrap(err, "failed to marshal keeper submission")
	}
	key := fmt.Sprintf("%s%s", submissionKeyPrefix, sub.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
