package transport

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"sort"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	gorillarpc "github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/relaydb/synctree/internal/wirecodec"
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
)

// Server is the listening side of WSProvider: it holds the
// authoritative data tree, accepts client websocket connections, and
// fans server-sourced writes out to every connection whose subscription
// window overlaps the change. A side /rpc endpoint (gorilla/rpc, JSON
// codec) exposes read-only debug stats, wrapped in gzip the way a small
// internal admin surface typically is; the websocket endpoint is left
// out of the gzip wrapper, since gzip framing and the upgrade handshake
// don't mix. Permissive CORS wraps the whole router, /ws included.
type Server struct {
	log *zap.Logger

	mu      sync.Mutex
	root    node.Node
	clients map[*serverClient]struct{}

	upgrader websocket.Upgrader
}

// NewServer returns an empty Server.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:      log,
		root:     node.Empty,
		clients:  map[*serverClient]struct{}{},
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Handler builds the HTTP handler: /ws for the sync protocol, /rpc for
// debug stats.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(rpcjson.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&StatsService{server: s}, ""); err != nil {
		s.log.Error("failed to register rpc service", zap.Error(err))
	}
	router.Handle("/rpc", gziphandler.GzipHandler(rpcServer)).Methods(http.MethodPost)

	return cors.New(cors.Options{AllowedOrigins: []string{"*"}}).Handler(router)
}

type serverClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]subscription
}

func (c *serverClient) send(payload []byte) error {
	compressed, err := zstd.Compress(nil, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, compressed)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &serverClient{conn: conn, subs: map[string]subscription{}}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		payload, err := zstd.Decompress(nil, raw)
		if err != nil {
			s.log.Warn("failed to decompress client frame", zap.Error(err))
			continue
		}
		s.handleControlMessage(client, payload)
	}
}

func (s *Server) handleControlMessage(client *serverClient, payload []byte) {
	if len(payload) == 0 {
		return
	}
	kind := controlKind(payload[0])
	r := bytes.NewReader(payload[1:])

	var tag uint64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		s.log.Warn("malformed control message", zap.Error(err))
		return
	}
	p, err := wirecodec.DecodePath(r)
	if err != nil {
		s.log.Warn("malformed control message path", zap.Error(err))
		return
	}

	q := query.New(p)
	var tagPtr *uint64
	if tag != 0 {
		tagPtr = &tag
	}

	switch kind {
	case controlSubscribe:
		client.mu.Lock()
		client.subs[q.Key()] = subscription{q: q, tag: tagPtr}
		client.mu.Unlock()

		s.mu.Lock()
		data := navigate(s.root, p)
		s.mu.Unlock()
		s.deliverOverwrite(client, tagPtr, p, data)
		s.deliverListenComplete(client, tagPtr, p)
	case controlUnsubscribe:
		client.mu.Lock()
		delete(client.subs, q.Key())
		client.mu.Unlock()
	default:
		s.log.Warn("unexpected control kind from client", zap.Uint8("kind", byte(kind)))
	}
}

func (s *Server) deliverOverwrite(client *serverClient, tag *uint64, at path.Path, value node.Node) {
	var t uint64
	if tag != nil {
		t = *tag
	}
	frame, err := wirecodec.Encode(wirecodec.Frame{Kind: wirecodec.FrameOverwrite, Tag: t, At: at, Node: value})
	if err != nil {
		s.log.Warn("failed to encode data frame", zap.Error(err))
		return
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(controlData))
	buf.Write(frame)
	if err := client.send(buf.Bytes()); err != nil {
		s.log.Warn("failed to send data frame", zap.Error(err))
	}
}

func (s *Server) deliverListenComplete(client *serverClient, tag *uint64, at path.Path) {
	var t uint64
	if tag != nil {
		t = *tag
	}
	frame, err := wirecodec.Encode(wirecodec.Frame{Kind: wirecodec.FrameListenComplete, Tag: t, At: at})
	if err != nil {
		s.log.Warn("failed to encode listen-complete frame", zap.Error(err))
		return
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(controlData))
	buf.Write(frame)
	if err := client.send(buf.Bytes()); err != nil {
		s.log.Warn("failed to send listen-complete frame", zap.Error(err))
	}
}

// Publish writes value at at and pushes it to every connected client
// whose subscription window overlaps at.
func (s *Server) Publish(at path.Path, value node.Node) {
	s.mu.Lock()
	s.root = setAt(s.root, at, value)
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.mu.Lock()
		keys := make([]string, 0, len(client.subs))
		for k := range client.subs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var matches []subscription
		for _, k := range keys {
			sub := client.subs[k]
			if at.Contains(sub.q.Path) || sub.q.Path.Contains(at) {
				matches = append(matches, sub)
			}
		}
		client.mu.Unlock()

		for _, sub := range matches {
			if sub.q.Path.Contains(at) {
				s.deliverOverwrite(client, sub.tag, at, value)
			} else {
				s.deliverOverwrite(client, sub.tag, sub.q.Path, navigate(value, sub.q.Path.RelativeTo(at)))
			}
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// StatsService is the gorilla/rpc JSON-RPC surface exposing read-only
// server stats for an admin/debug client.
type StatsService struct {
	server *Server
}

type StatsArgs struct{}

// StatsReply carries the server's current connection count.
type StatsReply struct {
	ConnectedClients int `json:"connected_clients"`
}

// Get returns the current stats snapshot.
func (s *StatsService) Get(r *http.Request, args *StatsArgs, reply *StatsReply) error {
	reply.ConnectedClients = s.server.ClientCount()
	return nil
}
