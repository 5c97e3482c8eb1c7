package gateway

import (
	"sort"
	"sync"

	"github.com/mossy-p/callsignal/internal/models"
)

// member is one user's presence in a room channel, bound to the connection
// that joined. announced holds the producers already sent to that connection.
type member struct {
	connectionID string
	announced    map[string]struct{}
}

type channel struct {
	members   map[string]*member
	producers map[string][]models.ProducerRecord
}

// deliverFunc hands a newStream announcement to one user
type deliverFunc func(userID string, evt models.NewStreamEvent)

// channels tracks which connections listen to which room and the producers
// announced in it. Join replay and live announcement share one lock, so a
// producer started concurrently with a join reaches the joiner exactly once.
type channels struct {
	mu    sync.Mutex
	rooms map[string]*channel
}

func newChannels() *channels {
	return &channels{rooms: make(map[string]*channel)}
}

func (cs *channels) room(roomID string) *channel {
	ch, ok := cs.rooms[roomID]
	if !ok {
		ch = &channel{
			members:   make(map[string]*member),
			producers: make(map[string][]models.ProducerRecord),
		}
		cs.rooms[roomID] = ch
	}
	return ch
}

// join binds userID on connectionID to the room and replays every producer
// of the other members that this connection has not been told about yet.
// It returns the number of replayed announcements.
func (cs *channels) join(roomID, userID, connectionID string, deliver deliverFunc) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch := cs.room(roomID)
	m, ok := ch.members[userID]
	if !ok || m.connectionID != connectionID {
		m = &member{connectionID: connectionID, announced: make(map[string]struct{})}
		ch.members[userID] = m
	}

	replayed := 0
	for _, owner := range sortedKeys(ch.producers) {
		if owner == userID {
			continue
		}
		for _, rec := range ch.producers[owner] {
			if _, seen := m.announced[rec.ProducerID]; seen {
				continue
			}
			m.announced[rec.ProducerID] = struct{}{}
			deliver(userID, newStreamEvent(roomID, rec))
			replayed++
		}
	}
	return replayed
}

// announce records a producer and delivers it to every other member
func (cs *channels) announce(roomID string, rec models.ProducerRecord, deliver deliverFunc) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch := cs.room(roomID)
	ch.producers[rec.UserID] = append(ch.producers[rec.UserID], rec)

	sent := 0
	for _, userID := range sortedKeys(ch.members) {
		if userID == rec.UserID {
			continue
		}
		m := ch.members[userID]
		if _, seen := m.announced[rec.ProducerID]; seen {
			continue
		}
		m.announced[rec.ProducerID] = struct{}{}
		deliver(userID, newStreamEvent(roomID, rec))
		sent++
	}
	return sent
}

// leave unbinds userID and forgets their producers, which are returned
func (cs *channels) leave(roomID, userID string) []models.ProducerRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.rooms[roomID]
	if !ok {
		return nil
	}
	delete(ch.members, userID)
	recs := ch.producers[userID]
	delete(ch.producers, userID)
	for _, m := range ch.members {
		for _, rec := range recs {
			delete(m.announced, rec.ProducerID)
		}
	}
	if len(ch.members) == 0 && len(ch.producers) == 0 {
		delete(cs.rooms, roomID)
	}
	return recs
}

// closeProducer removes the record of producerID owned by userID. roomID may
// be empty, in which case every room is searched.
func (cs *channels) closeProducer(roomID, userID, producerID string) (string, models.ProducerRecord, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for id, ch := range cs.rooms {
		if roomID != "" && id != roomID {
			continue
		}
		recs := ch.producers[userID]
		for i, rec := range recs {
			if rec.ProducerID != producerID {
				continue
			}
			ch.producers[userID] = append(recs[:i:i], recs[i+1:]...)
			if len(ch.producers[userID]) == 0 {
				delete(ch.producers, userID)
			}
			for _, m := range ch.members {
				delete(m.announced, producerID)
			}
			return id, rec, true
		}
	}
	return "", models.ProducerRecord{}, false
}

// members lists the users bound to the room
func (cs *channels) members(roomID string) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(ch.members)
}

// drop forgets the room and returns who was still bound to it
func (cs *channels) drop(roomID string) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.rooms[roomID]
	if !ok {
		return nil
	}
	delete(cs.rooms, roomID)
	return sortedKeys(ch.members)
}

func newStreamEvent(roomID string, rec models.ProducerRecord) models.NewStreamEvent {
	return models.NewStreamEvent{
		RoomID:     roomID,
		ProducerID: rec.ProducerID,
		UserID:     rec.UserID,
		Kind:       rec.Kind,
		AppData:    rec.AppData,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
