// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/novatechflow/jasminmongologd/internal/record"
)

// MongoConfig describes the storage target. ConnectionString must address a
// replica set; writes carry majority write concern so a record is only
// acknowledged once a majority of members have it.
type MongoConfig struct {
	ConnectionString string
	Database         string
	LogCollection    string
	UserCollection   string // optional; enables per-user quota updates
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

// Mongo writes records into the log collection, upserting by message id so
// redeliveries update the same document instead of piling up duplicates.
type Mongo struct {
	client  *mongo.Client
	logs    *mongo.Collection
	users   *mongo.Collection
	timeout time.Duration
	logger  *slog.Logger
}

// Connect establishes the client, verifies the primary is reachable, and
// returns a ready writer. The caller owns the returned connection and is
// expected to re-dial on primary failover.
func Connect(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" || cfg.LogCollection == "" {
		return nil, &FatalError{Op: "connect", Err: errors.New("database and log collection are required")}
	}
	opts := options.Client().
		ApplyURI(cfg.ConnectionString).
		SetWriteConcern(writeconcern.Majority())
	if deadline, ok := ctx.Deadline(); ok {
		opts = opts.SetServerSelectionTimeout(time.Until(deadline))
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, classify("ping", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mongo{
		client:  client,
		logs:    client.Database(cfg.Database).Collection(cfg.LogCollection),
		timeout: cfg.OperationTimeout,
		logger:  logger.With("component", "sink"),
	}
	if cfg.UserCollection != "" {
		m.users = client.Database(cfg.Database).Collection(cfg.UserCollection)
	}
	return m, nil
}

// Persist applies the record's update to the log collection and, for billed
// submits, the user's quota document. Exactly one log document exists per
// message id on the happy path; under retried timeouts the write may apply
// more than once, which the upsert absorbs.
func (m *Mongo) Persist(ctx context.Context, rec *record.LogRecord) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	filter, update := updateFor(rec)
	if _, err := m.logs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return classify("update log", err)
	}

	if rec.UserID != "" && m.users != nil {
		_, err := m.users.UpdateOne(ctx,
			bson.M{"_id": rec.UserID},
			bson.M{"$set": bson.M(rec.UserUpdate)},
			userUpdateOptions(),
		)
		if err != nil {
			return classify("update user", err)
		}
	}
	return nil
}

// userUpdateOptions configures the quota write. It upserts, matching the log
// write: a user document missing from the collection still gets its balance
// recorded.
func userUpdateOptions() *options.UpdateOneOptionsBuilder {
	return options.UpdateOne().SetUpsert(true)
}

// Close tears down the client session.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// updateFor maps a record kind to its collection update. Submits set the full
// document, responses set the ack sub-document, and receipts append to the
// dlr array of the same message document.
func updateFor(rec *record.LogRecord) (bson.M, bson.M) {
	filter := bson.M{"_id": rec.MessageID}
	switch rec.Kind {
	case record.KindDLR:
		return filter, bson.M{"$push": bson.M{"dlr": rec.Document}}
	default:
		return filter, bson.M{"$set": bson.M(rec.Document)}
	}
}

// Server error codes that no amount of retrying will fix.
var fatalCodes = []int{
	13, // Unauthorized
	18, // AuthenticationFailed
	73, // InvalidNamespace
}

// Codes raised while the replica set elects a new primary; the connection is
// re-acquired and the write retried.
var electionCodes = []int{
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	10107, // NotWritablePrimary
	11602, // InterruptedDueToReplStateChange
}

// classify maps a driver error onto the bridge's taxonomy. Anything not
// provably fatal is treated as transient: with at-least-once semantics a
// wasted retry is cheaper than a lost record.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		for _, code := range fatalCodes {
			if srvErr.HasErrorCode(code) {
				return &FatalError{Op: op, Err: err}
			}
		}
		for _, code := range electionCodes {
			if srvErr.HasErrorCode(code) {
				return &TransientError{Op: op, Err: err}
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return &TransientError{Op: op, Err: err}
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return &TransientError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}
