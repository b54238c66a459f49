package rtclink

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hidrelay/internal/util"
)

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server accepts the single link peer that negotiates with the relay.
type server struct {
	pin      string
	listener net.Listener
	httpSrv  *http.Server
	connCh   chan *websocket.Conn
}

func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
}

// start listens on addr and returns the bound address.
func (s *server) start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		_ = s.httpSrv.Serve(listener)
	}()

	return listener.Addr().String(), nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		util.LogWarning("signaling: rejected %s (invalid PIN)", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only the first peer is accepted.
	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *server) close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// connect dials the relay's signaling URL, PIN included as a query parameter:
//
//	ws://relay.local:8765/ws?pin=1234
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

// sender serializes outgoing signaling messages.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// trickle forwards every gathered local candidate to the other side.
func (s *sender) trickle(pc *webrtc.PeerConnection, ready <-chan struct{}) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := s.send(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
			// The socket is closed on purpose once the channels are up.
			select {
			case <-ready:
			default:
				util.LogDebug("signaling: send candidate: %v", err)
			}
		}
	})
}

// exchange runs the offer/answer and candidate exchange until ready closes.
// The offerer sends the offer first; the answerer replies to it. Once both
// descriptions are applied the WebSocket is no longer needed: the other side
// may hang up as soon as its own channels are open, and ICE finishes without
// it. From then on only dead or ctx end the wait.
func exchange(ctx context.Context, wsConn *websocket.Conn, pc *webrtc.PeerConnection, offerer bool, ready, dead <-chan struct{}) error {
	s := &sender{conn: wsConn}
	s.trickle(pc, ready)

	if offerer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		if err := s.send(message{Type: msgTypeOffer, SDP: offer.SDP}); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- watch(wsConn, pc, s)
	}()

	select {
	case <-ready:
		wsConn.Close()
		return nil
	case err := <-errCh:
		if !negotiated(pc) {
			select {
			case <-ready:
				return nil
			default:
			}
			return fmt.Errorf("signaling: %w", err)
		}
		util.LogDebug("signaling ended before the channels opened: %v", err)
	case <-dead:
		return fmt.Errorf("PeerConnection %s", pc.ConnectionState())
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ready:
		return nil
	case <-dead:
		return fmt.Errorf("PeerConnection %s", pc.ConnectionState())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// negotiated reports whether the offer/answer round is complete on pc.
func negotiated(pc *webrtc.PeerConnection) bool {
	return pc.RemoteDescription() != nil && pc.SignalingState() == webrtc.SignalingStateStable
}

// watch applies incoming signaling messages until the WebSocket closes.
func watch(wsConn *websocket.Conn, pc *webrtc.PeerConnection, s *sender) error {
	for {
		var msg message
		if err := wsConn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription: %w", err)
			}
			answer, err := pc.CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("CreateAnswer: %w", err)
			}
			if err := pc.SetLocalDescription(answer); err != nil {
				return fmt.Errorf("SetLocalDescription: %w", err)
			}
			if err := s.send(message{Type: msgTypeAnswer, SDP: answer.SDP}); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}

		case msgTypeAnswer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription: %w", err)
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				util.LogDebug("signaling: bad candidate: %v", err)
				continue
			}
			if err := pc.AddICECandidate(init); err != nil {
				util.LogDebug("signaling: AddICECandidate: %v", err)
			}
		}
	}
}
