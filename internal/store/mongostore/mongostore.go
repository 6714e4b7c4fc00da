// Package mongostore implements the store.Store interface over MongoDB
// using globalsign/mgo, grounded on activecm-rita-legacy's server package
// (gopkg.in/mgo.v2 session/collection handles, bson-tagged structs) as
// the second, independent backend behind the same collection interface
// sqlitestore implements — demonstrating that Caronte's core never
// assumes a particular storage engine.
package mongostore

import (
	"context"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/store"
)

// Store is the mgo-backed store.Store implementation.
type Store struct {
	session *mgo.Session
	db      *mgo.Database
}

// Open dials uri and selects dbName, creating the indexes Caronte's
// access patterns need.
func Open(uri, dbName string) (*Store, error) {
	session, err := mgo.Dial(uri)
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindTransient, "dial mongo", err)
	}
	session.SetMode(mgo.Monotonic, true)
	db := session.DB(dbName)

	if err := db.C("rules").EnsureIndex(mgo.Index{Key: []string{"name"}, Unique: true}); err != nil {
		session.Close()
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "ensure rules index", err)
	}
	if err := db.C("connection_streams").EnsureIndex(mgo.Index{Key: []string{"connectionid", "fromclient", "documentindex"}, Unique: true}); err != nil {
		session.Close()
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "ensure streams index", err)
	}
	return &Store{session: session, db: db}, nil
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) Rules() store.RuleCollection                        { return ruleCollection{s.db.C("rules")} }
func (s *Store) Connections() store.ConnectionCollection             { return connectionCollection{s.db.C("connections")} }
func (s *Store) ConnectionStreams() store.ConnectionStreamCollection { return streamCollection{s.db.C("connection_streams")} }
func (s *Store) PcapSessions() store.PcapSessionCollection           { return sessionCollection{s.db.C("pcap_sessions")} }
func (s *Store) Settings() store.SettingsCollection                  { return settingsCollection{s.db.C("settings")} }

type ruleCollection struct{ c *mgo.Collection }

func (rc ruleCollection) Insert(_ context.Context, rule model.Rule) error {
	if err := rc.c.Insert(rule); err != nil {
		if mgo.IsDup(err) {
			return caronteerr.Conflict("rule name %q already exists", rule.Name)
		}
		return caronteerr.Wrap(caronteerr.KindInternal, "insert rule", err)
	}
	return nil
}

func (rc ruleCollection) Update(_ context.Context, rule model.Rule) error {
	if err := rc.c.Update(bson.M{"id": rule.ID}, rule); err != nil {
		if err == mgo.ErrNotFound {
			return caronteerr.NotFound("rule %s not found", rule.ID)
		}
		return caronteerr.Wrap(caronteerr.KindInternal, "update rule", err)
	}
	return nil
}

func (rc ruleCollection) Get(_ context.Context, id rowid.RowID) (model.Rule, error) {
	var rule model.Rule
	if err := rc.c.Find(bson.M{"id": id}).One(&rule); err != nil {
		if err == mgo.ErrNotFound {
			return model.Rule{}, caronteerr.NotFound("rule %s not found", id)
		}
		return model.Rule{}, caronteerr.Wrap(caronteerr.KindInternal, "get rule", err)
	}
	return rule, nil
}

func (rc ruleCollection) Find(_ context.Context, filter store.Filter, opts store.FindOptions) ([]model.Rule, error) {
	var rules []model.Rule
	q := rc.c.Find(toBsonM(filter)).Sort(sortKey("id", opts)).Skip(opts.Skip)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.All(&rules); err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find rules", err)
	}
	return rules, nil
}

type connectionCollection struct{ c *mgo.Collection }

func (cc connectionCollection) Insert(_ context.Context, conn model.Connection) error {
	if err := cc.c.Insert(conn); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert connection", err)
	}
	return nil
}

func (cc connectionCollection) Update(_ context.Context, conn model.Connection) error {
	if err := cc.c.Update(bson.M{"id": conn.ID}, conn); err != nil {
		if err == mgo.ErrNotFound {
			return caronteerr.NotFound("connection %s not found", conn.ID)
		}
		return caronteerr.Wrap(caronteerr.KindInternal, "update connection", err)
	}
	return nil
}

func (cc connectionCollection) Get(_ context.Context, id rowid.RowID) (model.Connection, error) {
	var conn model.Connection
	if err := cc.c.Find(bson.M{"id": id}).One(&conn); err != nil {
		if err == mgo.ErrNotFound {
			return model.Connection{}, caronteerr.NotFound("connection %s not found", id)
		}
		return model.Connection{}, caronteerr.Wrap(caronteerr.KindInternal, "get connection", err)
	}
	return conn, nil
}

func (cc connectionCollection) Find(_ context.Context, filter store.Filter, opts store.FindOptions) ([]model.Connection, error) {
	var conns []model.Connection
	q := cc.c.Find(toBsonM(filter)).Sort(sortKey("id", opts)).Skip(opts.Skip)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.All(&conns); err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find connections", err)
	}
	return conns, nil
}

func (cc connectionCollection) Count(_ context.Context, filter store.Filter) (int, error) {
	n, err := cc.c.Find(toBsonM(filter)).Count()
	if err != nil {
		return 0, caronteerr.Wrap(caronteerr.KindInternal, "count connections", err)
	}
	return n, nil
}

type streamCollection struct{ c *mgo.Collection }

func (sc streamCollection) Insert(_ context.Context, stream model.ConnectionStream) error {
	if err := sc.c.Insert(stream); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert stream chunk", err)
	}
	return nil
}

func (sc streamCollection) InsertMany(_ context.Context, streams []model.ConnectionStream) error {
	if len(streams) == 0 {
		return nil
	}
	docs := make([]interface{}, len(streams))
	for i, s := range streams {
		docs[i] = s
	}
	bulk := sc.c.Bulk()
	bulk.Insert(docs...)
	if _, err := bulk.Run(); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert stream chunks", err)
	}
	return nil
}

func (sc streamCollection) Find(_ context.Context, connID rowid.RowID, fromClient *bool, opts store.FindOptions) ([]model.ConnectionStream, error) {
	query := bson.M{"connectionid": connID}
	if fromClient != nil {
		query["fromclient"] = *fromClient
	}
	var streams []model.ConnectionStream
	q := sc.c.Find(query).Sort(sortKey("documentindex", opts)).Skip(opts.Skip)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.All(&streams); err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find stream chunks", err)
	}
	return streams, nil
}

func (sc streamCollection) DeleteByConnection(_ context.Context, connID rowid.RowID) error {
	if _, err := sc.c.RemoveAll(bson.M{"connectionid": connID}); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "delete stream chunks", err)
	}
	return nil
}

type sessionCollection struct{ c *mgo.Collection }

func (sc sessionCollection) Insert(_ context.Context, s model.PcapSession) error {
	if err := sc.c.Insert(s); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert session", err)
	}
	return nil
}

func (sc sessionCollection) Update(_ context.Context, s model.PcapSession) error {
	if err := sc.c.Update(bson.M{"id": s.ID}, s); err != nil {
		if err == mgo.ErrNotFound {
			return caronteerr.NotFound("pcap session %s not found", s.ID)
		}
		return caronteerr.Wrap(caronteerr.KindInternal, "update session", err)
	}
	return nil
}

func (sc sessionCollection) Get(_ context.Context, id rowid.RowID) (model.PcapSession, error) {
	var s model.PcapSession
	if err := sc.c.Find(bson.M{"id": id}).One(&s); err != nil {
		if err == mgo.ErrNotFound {
			return model.PcapSession{}, caronteerr.NotFound("pcap session %s not found", id)
		}
		return model.PcapSession{}, caronteerr.Wrap(caronteerr.KindInternal, "get session", err)
	}
	return s, nil
}

func (sc sessionCollection) Find(_ context.Context, opts store.FindOptions) ([]model.PcapSession, error) {
	var sessions []model.PcapSession
	q := sc.c.Find(nil).Sort(sortKey("id", opts)).Skip(opts.Skip)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.All(&sessions); err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find sessions", err)
	}
	return sessions, nil
}

// rawCapture holds the uploaded capture bytes outside model.PcapSession so
// listing sessions never pulls a multi-megabyte blob along for the ride.
type rawCapture struct {
	RawCapture []byte `bson:"rawcapture"`
}

func (sc sessionCollection) SaveRaw(_ context.Context, id rowid.RowID, data []byte) error {
	if err := sc.c.Update(bson.M{"id": id}, bson.M{"$set": bson.M{"rawcapture": data}}); err != nil {
		if err == mgo.ErrNotFound {
			return caronteerr.NotFound("pcap session %s not found", id)
		}
		return caronteerr.Wrap(caronteerr.KindInternal, "save raw capture", err)
	}
	return nil
}

func (sc sessionCollection) LoadRaw(_ context.Context, id rowid.RowID) ([]byte, error) {
	var raw rawCapture
	if err := sc.c.Find(bson.M{"id": id}).One(&raw); err != nil {
		if err == mgo.ErrNotFound {
			return nil, caronteerr.NotFound("pcap session %s not found", id)
		}
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "load raw capture", err)
	}
	if len(raw.RawCapture) == 0 {
		return nil, caronteerr.NotFound("pcap session %s has no stored capture", id)
	}
	return raw.RawCapture, nil
}

type settingsCollection struct{ c *mgo.Collection }

type settingDoc struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

func (sc settingsCollection) Get(_ context.Context, key string) (string, bool, error) {
	var doc settingDoc
	if err := sc.c.Find(bson.M{"key": key}).One(&doc); err != nil {
		if err == mgo.ErrNotFound {
			return "", false, nil
		}
		return "", false, caronteerr.Wrap(caronteerr.KindInternal, "get setting", err)
	}
	return doc.Value, true, nil
}

func (sc settingsCollection) Set(_ context.Context, key, value string) error {
	_, err := sc.c.Upsert(bson.M{"key": key}, settingDoc{Key: key, Value: value})
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "set setting", err)
	}
	return nil
}

func toBsonM(filter store.Filter) bson.M {
	if len(filter) == 0 {
		return nil
	}
	m := bson.M{}
	for k, v := range filter {
		m[k] = v
	}
	return m
}

func sortKey(field string, opts store.FindOptions) string {
	if opts.SortDescending {
		return "-" + field
	}
	return field
}
