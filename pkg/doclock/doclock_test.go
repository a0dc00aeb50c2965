// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package doclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	mgo "gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// fakeCollection simulates the locks array of a single document together
// with the update operators that DocLock issues.
type fakeCollection struct {
	docID   interface{}
	locks   []bson.M
	now     func() time.Time
	updates int
}

func matchesLock(lock, crit bson.M) bool {
	for k, v := range crit {
		if sub, ok := v.(bson.M); ok {
			lt, ok := sub["$lt"].(time.Time)
			if !ok {
				return false
			}
			ts, ok := lock[k].(time.Time)
			if !ok || !ts.Before(lt) {
				return false
			}
			continue
		}
		if lock[k] != v {
			return false
		}
	}
	return true
}

func (c *fakeCollection) Update(selector, update interface{}) error {
	c.updates++
	sel := selector.(bson.M)
	if sel["_id"] != c.docID {
		return mgo.ErrNotFound
	}

	matchIdx := -1
	if lockSel, ok := sel["locks"].(bson.M); ok {
		if not, ok := lockSel["$not"].(bson.M); ok {
			crit := not["$elemMatch"].(bson.M)
			for _, l := range c.locks {
				if matchesLock(l, crit) {
					return mgo.ErrNotFound
				}
			}
		} else {
			crit := lockSel["$elemMatch"].(bson.M)
			for i, l := range c.locks {
				if matchesLock(l, crit) {
					matchIdx = i
					break
				}
			}
			if matchIdx == -1 {
				return mgo.ErrNotFound
			}
		}
	}

	up := update.(bson.M)
	if push, ok := up["$push"].(bson.M); ok {
		c.locks = append(c.locks, push["locks"].(bson.M))
	}
	if pull, ok := up["$pull"].(bson.M); ok {
		crit := pull["locks"].(bson.M)
		kept := c.locks[:0]
		for _, l := range c.locks {
			if !matchesLock(l, crit) {
				kept = append(kept, l)
			}
		}
		c.locks = kept
	}
	if _, ok := up["$currentDate"].(bson.M); ok {
		c.locks[matchIdx]["ts"] = c.now()
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestLock(t *testing.T, coll *fakeCollection, holder string, core bson.M, clk *clock) *DocLock {
	l := New(zaptest.NewLogger(t), coll, coll.docID, holder, core)
	l.now = clk.now
	return l
}

func newFixture() (*fakeCollection, *clock) {
	clk := &clock{t: time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC)}
	coll := &fakeCollection{docID: "nogd", now: clk.now}
	return coll, clk
}

func TestTryLockExcludesSameCore(t *testing.T) {
	coll, clk := newFixture()
	a := newTestLock(t, coll, "daemon-a", bson.M{"op": "run"}, clk)
	b := newTestLock(t, coll, "daemon-b", bson.M{"op": "run"}, clk)
	c := newTestLock(t, coll, "daemon-b", bson.M{"op": "sum"}, clk)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	require.False(t, ok)

	// A different core is an independent lock.
	ok, err = c.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, coll.locks, 2)
}

func TestUnlockReleasesOnlyOwnLock(t *testing.T) {
	coll, clk := newFixture()
	a := newTestLock(t, coll, "daemon-a", bson.M{"op": "run"}, clk)
	b := newTestLock(t, coll, "daemon-b", bson.M{"op": "run"}, clk)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// The non-holder's unlock is a no-op.
	require.NoError(t, b.Unlock())
	require.Len(t, coll.locks, 1)

	require.NoError(t, a.Unlock())
	require.Empty(t, coll.locks)

	ok, err = b.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRenewIsRateLimited(t *testing.T) {
	coll, clk := newFixture()
	a := newTestLock(t, coll, "daemon-a", bson.M{"op": "run"}, clk)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	acquired := coll.locks[0]["ts"].(time.Time)

	// Within the renewal interval nothing is sent.
	updates := coll.updates
	clk.add(30 * time.Second)
	require.NoError(t, a.Renew())
	require.Equal(t, updates, coll.updates)

	clk.add(31 * time.Second)
	require.NoError(t, a.Renew())
	require.Equal(t, updates+1, coll.updates)
	require.True(t, coll.locks[0]["ts"].(time.Time).After(acquired))
}

func TestRenewVanishedLockIsNotAFailure(t *testing.T) {
	coll, clk := newFixture()
	a := newTestLock(t, coll, "daemon-a", bson.M{"op": "run"}, clk)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	coll.locks = nil

	clk.add(RenewInterval + time.Second)
	require.NoError(t, a.Renew())
}

func TestReapStaleExpiresForeignLocks(t *testing.T) {
	coll, clk := newFixture()
	a := newTestLock(t, coll, "daemon-a", bson.M{"op": "run"}, clk)
	b := newTestLock(t, coll, "daemon-b", bson.M{"op": "run"}, clk)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// Fresh locks are not reaped.
	reaped, err := b.ReapStale()
	require.NoError(t, err)
	require.False(t, reaped)

	clk.add(ExpireAfter + time.Minute)
	reaped, err = b.ReapStale()
	require.NoError(t, err)
	require.True(t, reaped)
	require.Empty(t, coll.locks)

	ok, err = b.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockString(t *testing.T) {
	coll, clk := newFixture()
	l := newTestLock(t, coll, "daemon-a", bson.M{"op": "run", "bucket": "nog"}, clk)
	require.Equal(t, "nogd/bucket=nog,op=run", l.String())
}
