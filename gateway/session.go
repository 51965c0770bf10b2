package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/discord"
	"github.com/enricoaquilina/ss-automation/metrics"
)

// ErrWSAlreadyOpen is thrown when you attempt to open
// a websocket that already is open.
var ErrWSAlreadyOpen = errors.New("web socket already opened")

// ErrWSNotFound is thrown when you attempt to use a websocket
// that doesn't exist
var ErrWSNotFound = errors.New("no websocket connection exists")

// ErrAuthenticationFailed is surfaced when the gateway closes the
// connection with code 4004. It is fatal and never retried.
var ErrAuthenticationFailed = errors.New("gateway authentication failed")

// ErrSessionClosed is returned from WaitReady once Close has been called.
var ErrSessionClosed = errors.New("session closed")

// maxReconnectWait caps the reconnect backoff.
const maxReconnectWait = 600 * time.Second

// Handler receives every dispatch (op 0) payload from the gateway.
type Handler func(e discord.Event)

// Session owns one websocket connection to the gateway, its heartbeat
// clock and its identify/resume lifecycle.
type Session struct {
	// Prevent other major Session functions being called
	sync.RWMutex

	// Authentication token
	Token string

	// IsBot selects the token type. Bot sessions authenticate with a
	// "Bot " prefix; user sessions send the raw token.
	IsBot bool

	// Intents mask sent in the identify payload.
	Intents int

	// Gateway URL to dial. Defaults to discord.EndpointGateway.
	Gateway string

	// ShouldReconnectOnError controls the resume loop after transient
	// failures.
	ShouldReconnectOnError bool

	// Stores the last HeartbeatAck that was received (in UTC)
	LastHeartbeatAck time.Time

	// Stores the last Heartbeat sent (in UTC)
	LastHeartbeatSent time.Time

	// handler receives every dispatched event.
	handler Handler

	// The websocket connection.
	wsConn *websocket.Conn

	// When nil, the session is not listening.
	listening chan interface{}

	// sequence tracks the current gateway api websocket sequence number
	sequence *int64

	// stores session ID of current Gateway connection
	sessionID string

	// gateway URL advertised at READY for resuming
	resumeGateway string

	// closed once READY (or RESUMED) has been observed
	ready     chan struct{}
	readyOnce sync.Once

	// set when a fatal close code arrives; reconnection stops
	fatalErr error

	// set by Close, suppresses reconnection permanently
	shutdown bool

	// used to make sure gateway websocket writes do not happen concurrently
	wsMutex sync.Mutex

	// logging interface
	log zerolog.Logger
}

// NewSession creates a session for a token. The session does not
// connect until Open is called.
func NewSession(token string, isBot bool, handler Handler, log zerolog.Logger) *Session {
	return &Session{
		Token:                  token,
		IsBot:                  isBot,
		Intents:                discord.IntentsGuildMessages,
		Gateway:                discord.EndpointGateway,
		ShouldReconnectOnError: true,
		handler:                handler,
		sequence:               new(int64),
		LastHeartbeatAck:       time.Now().UTC(),
		ready:                  make(chan struct{}),
		log:                    log,
	}
}

// authToken returns the token in the form the gateway expects for this
// session type.
func (s *Session) authToken() string {
	if s.IsBot {
		return "Bot " + s.Token
	}
	return s.Token
}

// SessionID returns the id assigned at READY. Interaction requests must
// carry the user session's id.
func (s *Session) SessionID() string {
	s.RLock()
	defer s.RUnlock()
	return s.sessionID
}

// Open starts up the session and will connect to gateway and start listening
func (s *Session) Open() error {
	var err error

	// Prevent this or other important functions from
	// being called again once it is running.
	s.Lock()
	defer s.Unlock()

	if s.shutdown {
		return ErrSessionClosed
	}
	if s.fatalErr != nil {
		return s.fatalErr
	}

	// If the websocket is already open, we should not reopen.
	if s.wsConn != nil {
		return ErrWSAlreadyOpen
	}

	gateway := s.Gateway
	if s.resumeGateway != "" && s.canResume() {
		gateway = s.resumeGateway
	}

	s.log.Info().Str("gateway", gateway).Bool("bot", s.IsBot).Msg("connecting to gateway")

	s.wsConn, _, err = websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		s.log.Error().Err(err).Str("gateway", gateway).Msg("error connecting to gateway")
		s.wsConn = nil // remove ws just incase.
		return err
	}

	s.wsConn.SetCloseHandler(func(code int, text string) error {
		return nil
	})

	defer func() {
		// when exiting, err must be set and will then close
		if err != nil {
			s.wsConn.Close()
			s.wsConn = nil
		}
	}()

	mt, m, err := s.wsConn.ReadMessage()
	if err != nil {
		err = s.classifyClose(err)
		return err
	}
	e, err := s.onEvent(mt, m)
	if err != nil {
		return err
	}

	if e.Operation != discord.GatewayOpHello {
		err = fmt.Errorf("expecting Op 10, got Op %d instead", e.Operation)
		return err
	}
	s.log.Debug().Msg("Op 10 packet received from discord")

	s.LastHeartbeatAck = time.Now().UTC()

	var h discord.Hello
	if err = json.Unmarshal(e.RawData, &h); err != nil {
		err = fmt.Errorf("error unmarshalling Hello, %s", err)
		return err
	}

	// We now have to either Resume or Identify.
	sequence := atomic.LoadInt64(s.sequence)
	if s.sessionID == "" && sequence == 0 {
		if err = s.identify(); err != nil {
			err = fmt.Errorf("error sending identify packet to gateway, %s, %s", gateway, err)
			return err
		}
	} else {
		p := discord.Resume{
			Op: discord.GatewayOpResume,
			Data: discord.ResumeData{
				Token:     s.authToken(),
				SessionID: s.sessionID,
				Sequence:  sequence,
			},
		}
		s.log.Debug().Str("session", s.sessionID).Int64("seq", sequence).Msg("sending resume packet to gateway")

		s.wsMutex.Lock()
		err = s.wsConn.WriteJSON(p)
		s.wsMutex.Unlock()

		if err != nil {
			err = fmt.Errorf("error sending gateway resume packet, %s, %s", gateway, err)
			return err
		}
	}

	// Discord should now send a READY or RESUMED packet, or close the
	// connection when the token is rejected.
	mt, m, err = s.wsConn.ReadMessage()
	if err != nil {
		err = s.classifyClose(err)
		return err
	}
	if _, err = s.onEvent(mt, m); err != nil {
		return err
	}

	s.log.Debug().Msg("connected to gateway")

	// Create listening chan outside of listen, as it needs to happen inside the
	// mutex lock and needs to exist before calling heartbeat and listen
	// go routines.
	s.listening = make(chan interface{})

	// Start sending heartbeats and reading messages from Discord.
	go s.heartbeat(s.listening, h.HeartbeatInterval)
	go s.listen(s.wsConn, s.listening)
	return nil
}

// WaitReady blocks until READY has been observed, the context expires,
// or a fatal error ends the session.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		select {
		case <-s.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
			s.RLock()
			fatal, shutdown := s.fatalErr, s.shutdown
			s.RUnlock()
			if fatal != nil {
				return fatal
			}
			if shutdown {
				return ErrSessionClosed
			}
		}
	}
}

// classifyClose maps fatal gateway close codes onto typed errors and
// records them so the reconnect loop gives up.
func (s *Session) classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return err
	}

	var fatal error
	switch closeErr.Code {
	case discord.CloseAuthenticationFailed:
		fatal = ErrAuthenticationFailed
	case discord.CloseInvalidShard, discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion, discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		fatal = fmt.Errorf("gateway closed with fatal code %d: %s", closeErr.Code, closeErr.Text)
	default:
		return err
	}

	s.log.Error().Int("code", closeErr.Code).Err(fatal).Msg("fatal gateway close")
	s.fatalErr = fatal
	return fatal
}

// listen polls the websocket connection for events, it will stop when the
// listening channel is closed, or an error occurs.
func (s *Session) listen(wsConn *websocket.Conn, listening <-chan interface{}) {
	for {
		messageType, message, err := wsConn.ReadMessage()
		if err != nil {
			// Detect if we have been closed manually. If a Close() has already
			// happened, the websocket we are listening on will be different to
			// the current session.
			s.RLock()
			sameConnection := s.wsConn == wsConn
			s.RUnlock()

			if sameConnection {
				s.log.Error().Err(err).Msg("error reading from gateway websocket")

				s.Lock()
				fatal := s.classifyClose(err)
				s.Unlock()

				if cerr := s.CloseWithStatus(websocket.CloseServiceRestart); cerr != nil {
					s.log.Warn().Err(cerr).Msg("error closing session connection")
				}

				if fatal == err {
					// transient: resume, then re-identify on failure
					s.reconnect()
				}
			}
			return
		}

		select {
		case <-listening:
			return
		default:
			s.onEvent(messageType, message)
		}
	}
}

// heartbeat sends regular heartbeats to Discord so it knows the client
// is still connected. An ack missing for twice the advertised interval
// forces a resume.
func (s *Session) heartbeat(listening <-chan interface{}, heartbeatIntervalMsec time.Duration) {
	if listening == nil || s.wsConn == nil {
		return
	}

	var err error
	interval := heartbeatIntervalMsec * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sequence := atomic.LoadInt64(s.sequence)
		s.log.Debug().Int64("seq", sequence).Msg("sending gateway websocket heartbeat")
		s.wsMutex.Lock()
		s.LastHeartbeatSent = time.Now().UTC()
		err = s.wsConn.WriteJSON(discord.Heartbeat{Op: discord.GatewayOpHeartbeat, Data: sequence})
		s.wsMutex.Unlock()

		s.RLock()
		last := s.LastHeartbeatAck
		s.RUnlock()

		if err != nil || time.Now().UTC().Sub(last) > interval*2 {
			if err != nil {
				s.log.Error().Err(err).Msg("error sending heartbeat to gateway")
			} else {
				s.log.Error().Dur("since", time.Now().UTC().Sub(last)).Msg("haven't gotten heartbeat ACK, triggering reconnection")
			}
			s.CloseWithStatus(websocket.CloseServiceRestart)
			s.reconnect()
			return
		}

		select {
		case <-ticker.C:
			// continue loop and send heartbeat
		case <-listening:
			return
		}
	}
}

func (s *Session) onEvent(messageType int, message []byte) (*discord.Event, error) {
	var e *discord.Event
	if err := json.Unmarshal(message, &e); err != nil {
		s.log.Error().Err(err).Msg("error decoding websocket message")
		return nil, err
	}

	switch e.Operation {
	case discord.GatewayOpHeartbeat:
		// Ping request, must respond with a heartbeat packet within
		// 5 seconds.
		s.log.Debug().Msg("sending heartbeat in response to Op1")
		s.wsMutex.Lock()
		err := s.wsConn.WriteJSON(discord.Heartbeat{Op: discord.GatewayOpHeartbeat, Data: atomic.LoadInt64(s.sequence)})
		s.wsMutex.Unlock()
		if err != nil {
			s.log.Error().Err(err).Msg("error sending heartbeat in response to Op1")
			return e, err
		}
		return e, nil

	case discord.GatewayOpReconnect:
		// Must immediately disconnect from gateway and reconnect to
		// new gateway.
		s.log.Debug().Msg("closing and reconnecting in response to Op7")
		s.CloseWithStatus(websocket.CloseServiceRestart)
		s.reconnect()
		return e, nil

	case discord.GatewayOpInvalidSession:
		// Session is no longer valid: discard it and identify fresh
		// after a short jittered delay.
		delay := time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		s.log.Debug().Dur("delay", delay).Msg("invalid session, re-identifying")

		s.Lock()
		s.sessionID = ""
		atomic.StoreInt64(s.sequence, 0)
		s.Unlock()

		time.Sleep(delay)
		if err := s.identify(); err != nil {
			s.log.Warn().Err(err).Msg("error sending gateway identify packet")
			return e, err
		}
		return e, nil

	case discord.GatewayOpHello:
		// Op10 is handled by Open()
		return e, nil

	case discord.GatewayOpHeartbeatACK:
		s.Lock()
		s.LastHeartbeatAck = time.Now().UTC()
		s.Unlock()
		metrics.HeartbeatLatency(s.HeartbeatLatency())
		s.log.Trace().Time("time", s.LastHeartbeatAck).Msg("received heartbeat ack")
		return e, nil
	}

	// Do not try to Dispatch a non-Dispatch Message
	if e.Operation != discord.GatewayOpDispatch {
		// Unknown opcodes are logged and dropped.
		s.log.Warn().Int("op", e.Operation).Str("type", e.Type).Msg("unknown operation")
		return e, nil
	}

	// Store the message sequence
	atomic.StoreInt64(s.sequence, e.Sequence)

	if e.Type == discord.EventReady {
		var ready discord.Ready
		if err := json.Unmarshal(e.RawData, &ready); err != nil {
			s.log.Error().Err(err).Msg("error decoding ready")
			return e, err
		}
		s.Lock()
		s.sessionID = ready.SessionID
		if ready.ResumeGatewayURL != "" {
			s.resumeGateway = ready.ResumeGatewayURL + "/?v=" + discord.APIVersion + "&encoding=json"
		}
		s.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		s.log.Info().Str("session", ready.SessionID).Msg("gateway session ready")
	}
	if e.Type == discord.EventResumed {
		s.readyOnce.Do(func() { close(s.ready) })
		s.log.Info().Msg("gateway session resumed")
	}

	if s.handler != nil {
		s.handler(*e)
	}

	return e, nil
}

// identify sends the identify packet to the gateway
func (s *Session) identify() error {
	op := discord.Identify{
		Op: discord.GatewayOpIdentify,
		Data: discord.IdentifyData{
			Token:   s.authToken(),
			Intents: s.Intents,
			Properties: discord.IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "Chrome",
				Device:  "",
			},
			Compress: false,
		},
	}

	s.wsMutex.Lock()
	err := s.wsConn.WriteJSON(op)
	s.wsMutex.Unlock()

	return err
}

func (s *Session) reconnect() {
	s.RLock()
	shouldReconnect := s.ShouldReconnectOnError && !s.shutdown && s.fatalErr == nil
	s.RUnlock()

	if !shouldReconnect {
		return
	}

	wait := time.Duration(1)

	for {
		s.log.Info().Msg("trying to reconnect to gateway")
		metrics.GatewayReconnect()

		err := s.Open()
		if err == nil {
			s.log.Info().Msg("successfully reconnected to gateway")
			return
		}

		// Certain race conditions can call reconnect() twice. If this happens, we
		// just break out of the reconnect loop
		if err == ErrWSAlreadyOpen {
			s.log.Info().Msg("websocket already exists, no need to reconnect")
			return
		}

		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrAuthenticationFailed) {
			return
		}
		s.RLock()
		fatal := s.fatalErr
		s.RUnlock()
		if fatal != nil {
			return
		}

		s.log.Info().Err(err).Msg("error reconnecting to gateway")

		<-time.After(wait * time.Second)
		wait *= 2
		if wait > maxReconnectWait/time.Second {
			wait = maxReconnectWait / time.Second
		}
	}
}

// CloseWithStatus closes a websocket with a specified status code and stops all listening/heartbeat goroutines.
func (s *Session) CloseWithStatus(statusCode int) (err error) {
	s.Lock()

	if s.listening != nil {
		s.log.Debug().Msg("closing listening channel")
		close(s.listening)
		s.listening = nil
	}

	if s.wsConn != nil {
		s.log.Debug().Msg("sending close frame")

		s.wsMutex.Lock()
		err := s.wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(statusCode, ""))
		s.wsMutex.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Msg("error closing websocket")
		}

		s.log.Debug().Msg("closing gateway websocket")
		err = s.wsConn.Close()
		if err != nil {
			s.log.Warn().Err(err).Msg("error closing websocket")
		}
		s.wsConn = nil
	}

	s.Unlock()
	return
}

// Close closes a websocket and stops all listening/heartbeat
// goroutines permanently. It is idempotent.
func (s *Session) Close() (err error) {
	s.Lock()
	s.shutdown = true
	s.Unlock()

	return s.CloseWithStatus(websocket.CloseNormalClosure)
}

// HeartbeatLatency retrieves the round trip time between ack and sending
func (s *Session) HeartbeatLatency() time.Duration {
	s.RLock()
	defer s.RUnlock()
	return s.LastHeartbeatAck.Sub(s.LastHeartbeatSent)
}

// canResume returns a boolean if it is possible for the session to resume
func (s *Session) canResume() bool {
	return atomic.LoadInt64(s.sequence) != 0 && s.sessionID != ""
}
