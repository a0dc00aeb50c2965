// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package doclock maintains an advisory lock on a MongoDB document.
//
// Locks are entries in the array `doc.locks`.  A lock is acquired by
// conditionally pushing `{core..., ts, holder}`, where core identifies the
// operation and holder the daemon instance.  Holders renew the timestamp
// while they work; locks whose timestamp stops advancing are considered
// stale and can be reaped by anyone.
package doclock

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	mgo "gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Error is the doclock error class.
var Error = errs.Class("doclock")

// Renewal and expiry parameters.  A lock whose ts is not refreshed within
// ExpireAfter may be reaped by any holder.
const (
	RenewInterval = 60 * time.Second
	ExpireAfter   = 5 * time.Minute
)

// Collection is the part of *mgo.Collection that DocLock uses.  Update must
// return mgo.ErrNotFound when the selector matches no document.
type Collection interface {
	Update(selector interface{}, update interface{}) error
}

// DocLock is a lock on a single document.  It is not safe for concurrent
// use; each holder goroutine uses its own DocLock.
type DocLock struct {
	log    *zap.Logger
	coll   Collection
	docID  interface{}
	holder string
	core   bson.M

	nextRenewal time.Time

	now func() time.Time
}

// New creates a lock handle for the document docID.  core identifies the
// locked operation, for example {"op": "run"}; holder identifies this
// daemon instance.  New does not touch the database.
func New(log *zap.Logger, coll Collection, docID interface{}, holder string, core bson.M) *DocLock {
	return &DocLock{
		log:    log,
		coll:   coll,
		docID:  docID,
		holder: holder,
		core:   core,
		now:    time.Now,
	}
}

// String renders the lock as `docid/k=v,...` with sorted core keys.
func (l *DocLock) String() string {
	keys := make([]string, 0, len(l.core))
	for k := range l.core {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, l.core[k]))
	}
	return fmt.Sprintf("%v/%s", l.docID, strings.Join(parts, ","))
}

func (l *DocLock) selector() bson.M {
	sel := bson.M{}
	for k, v := range l.core {
		sel[k] = v
	}
	sel["holder"] = l.holder
	return sel
}

// TryLock attempts to acquire the lock.  It pushes the lock entry
// conditionally on no existing lock with the same core, so two holders
// cannot hold the same operation lock at the same time.  It returns false
// without error when another holder has the lock.
func (l *DocLock) TryLock() (bool, error) {
	full := bson.M{}
	for k, v := range l.core {
		full[k] = v
	}
	full["ts"] = l.now().UTC()
	full["holder"] = l.holder
	err := l.coll.Update(
		bson.M{
			"_id":   l.docID,
			"locks": bson.M{"$not": bson.M{"$elemMatch": l.core}},
		},
		bson.M{"$push": bson.M{"locks": full}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	l.log.Info("Locked document.", zap.String("lock", l.String()))
	l.nextRenewal = l.now().Add(RenewInterval)
	return true, nil
}

// Unlock releases the lock.  It pulls only entries held by this holder, so
// it is idempotent and cannot release a competing holder's lock.
func (l *DocLock) Unlock() error {
	err := l.coll.Update(
		bson.M{
			"_id":   l.docID,
			"locks": bson.M{"$elemMatch": l.selector()},
		},
		bson.M{"$pull": bson.M{"locks": l.selector()}},
	)
	if err == mgo.ErrNotFound {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	l.log.Info("Unlocked document.", zap.String("lock", l.String()))
	return nil
}

// Renew refreshes the lock timestamp with a server-side time.  It is
// rate-limited internally, so callers may invoke it from a tight loop.  A
// vanished lock is logged as an error but not reported as a failure; the
// holder keeps working and the next database write will surface any real
// conflict.
func (l *DocLock) Renew() error {
	now := l.now()
	if now.Before(l.nextRenewal) {
		return nil
	}
	l.nextRenewal = now.Add(RenewInterval)

	err := l.coll.Update(
		bson.M{
			"_id":   l.docID,
			"locks": bson.M{"$elemMatch": l.selector()},
		},
		bson.M{"$currentDate": bson.M{"locks.$.ts": true}},
	)
	if err == mgo.ErrNotFound {
		l.log.Error("Failed to renew document lock.",
			zap.String("lock", l.String()))
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	l.log.Info("Renewed document lock.", zap.String("lock", l.String()))
	return nil
}

// ReapStale removes locks of any holder whose timestamp is older than
// ExpireAfter.  It reports whether any lock was reaped.
func (l *DocLock) ReapStale() (bool, error) {
	cutoff := l.now().UTC().Add(-ExpireAfter)
	stale := bson.M{"ts": bson.M{"$lt": cutoff}}
	err := l.coll.Update(
		bson.M{
			"_id":   l.docID,
			"locks": bson.M{"$elemMatch": stale},
		},
		bson.M{"$pull": bson.M{"locks": stale}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	l.log.Info("Expired stale document locks.",
		zap.String("doc", fmt.Sprintf("%v", l.docID)))
	return true, nil
}
