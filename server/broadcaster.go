package server

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"podhub/models"
)

// Broadcaster fans new-episode events out to connected SSE clients. Sends are
// non-blocking; a client that cannot keep up misses events rather than
// stalling the scheduler.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]chan models.NewEpisodeEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan models.NewEpisodeEvent),
	}
}

// Publish implements hub.EventSink.
func (b *Broadcaster) Publish(event models.NewEpisodeEvent) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.clients {
		select {
		case client <- event:
		default:
			log.Warnf("Client channel full, skipping event for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string, client chan models.NewEpisodeEvent) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
}
