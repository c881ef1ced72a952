package session

import (
	"sort"
	"time"

	"haven/internal/models"

	"github.com/c-pro/geche"
)

// online is the Online Entry of one user.
type online struct {
	user  models.User
	conns map[string]*Conn
}

// Registry is the process-wide table of connected users. Every mutation
// runs inside one geche write transaction, so the first-connection and
// last-connection decisions are made atomically with the change itself.
type Registry struct {
	users *geche.Locker[string, *online]
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		users: geche.NewLocker[string, *online](geche.NewMapCache[string, *online]()),
		now:   time.Now,
	}
}

// Register adds conn to its user's entry. first is true when the user had
// no connection before. The returned snapshot lists every online user,
// including the one just registered.
func (r *Registry) Register(conn *Conn) (first bool, snapshot []models.OnlineUser) {
	tx := r.users.Lock()
	defer tx.Unlock()

	entry, err := tx.Get(conn.UserID())
	if err != nil {
		entry = &online{
			user:  conn.User.Identity(),
			conns: make(map[string]*Conn),
		}
		tx.Set(conn.UserID(), entry)
		first = true
	}
	entry.conns[conn.ID] = conn

	return first, snapshotOf(tx.Snapshot())
}

// Unregister removes conn. last is true when it was the user's final
// connection; the user is then offline as of lastSeen.
func (r *Registry) Unregister(conn *Conn) (last bool, lastSeen time.Time) {
	tx := r.users.Lock()
	defer tx.Unlock()

	entry, err := tx.Get(conn.UserID())
	if err != nil {
		return false, time.Time{}
	}
	if _, ok := entry.conns[conn.ID]; !ok {
		return false, time.Time{}
	}
	delete(entry.conns, conn.ID)
	if len(entry.conns) > 0 {
		return false, time.Time{}
	}

	_ = tx.Del(conn.UserID())
	return true, r.now()
}

func (r *Registry) IsOnline(userID string) bool {
	tx := r.users.RLock()
	defer tx.Unlock()

	_, err := tx.Get(userID)
	return err == nil
}

// Connections returns the open connections of one user.
func (r *Registry) Connections(userID string) []*Conn {
	tx := r.users.RLock()
	defer tx.Unlock()

	entry, err := tx.Get(userID)
	if err != nil {
		return nil
	}
	conns := make([]*Conn, 0, len(entry.conns))
	for _, c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}

// All returns every open connection.
func (r *Registry) All() []*Conn {
	tx := r.users.RLock()
	defer tx.Unlock()

	var conns []*Conn
	for _, entry := range tx.Snapshot() {
		for _, c := range entry.conns {
			conns = append(conns, c)
		}
	}
	return conns
}

// Online returns the current snapshot of online users.
func (r *Registry) Online() []models.OnlineUser {
	tx := r.users.RLock()
	defer tx.Unlock()

	return snapshotOf(tx.Snapshot())
}

func snapshotOf(entries map[string]*online) []models.OnlineUser {
	users := make([]models.OnlineUser, 0, len(entries))
	for id, entry := range entries {
		users = append(users, models.OnlineUser{UserID: id, User: entry.user})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users
}
