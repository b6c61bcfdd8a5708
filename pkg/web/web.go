// Package web is the front-end HTTP surface: the Messages API endpoints,
// the model list, token counting, and the web-search short-circuit.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/converter"
	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/eventstream"
	"github.com/kirogw/kirogw/pkg/gwconfig"
	"github.com/kirogw/kirogw/pkg/kiroevent"
	"github.com/kirogw/kirogw/pkg/stream"
	"github.com/kirogw/kirogw/pkg/tokencount"
	"github.com/kirogw/kirogw/pkg/upstream"
	"github.com/kirogw/kirogw/pkg/web/sse"
)

// Server handles the Anthropic-compatible endpoints.
type Server struct {
	cfg     *gwconfig.Config
	client  *upstream.Client
	counter *tokencount.Counter
}

func NewServer(cfg *gwconfig.Config, client *upstream.Client, counter *tokencount.Counter) *Server {
	return &Server{cfg: cfg, client: client, counter: counter}
}

// Register mounts the /v1 and /cc/v1 routes. The /cc variant buffers
// streaming responses so message_start carries the upstream-measured input
// token count.
func (s *Server) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	v1.HandleFunc("/messages", s.handleMessages).Methods(http.MethodPost)
	v1.HandleFunc("/messages/count_tokens", s.handleCountTokens).Methods(http.MethodPost)

	cc := r.PathPrefix("/cc/v1").Subrouter()
	cc.Use(s.authMiddleware)
	cc.HandleFunc("/messages", s.handleMessagesCC).Methods(http.MethodPost)
	cc.HandleFunc("/messages/count_tokens", s.handleCountTokens).Methods(http.MethodPost)
}

// Handler builds a standalone router with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return CORS(r)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, false)
}

func (s *Server) handleMessagesCC(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, true)
}

func (s *Server) serveMessages(w http.ResponseWriter, r *http.Request, buffered bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInboundBodyBytes)
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	log.Printf("[web] POST %s model=%s stream=%v messages=%d", r.URL.Path, req.Model, req.Stream, len(req.Messages))

	inputTokens := tokencount.EstimateRequest(anthropic.CountTokensRequest{
		Model:    req.Model,
		Messages: req.Messages,
		System:   req.System,
		Tools:    req.Tools,
	})
	if inputTokens < 1 {
		inputTokens = 1
	}

	if isWebSearchRequest(&req) {
		s.serveWebSearch(w, r, &req, inputTokens)
		return
	}

	res, err := converter.Convert(&req, converter.Options{ThinkingSuffix: s.cfg.EffectiveThinkingSuffix()})
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	// The profile ARN belongs to whichever credential ends up serving the
	// request, so the body is serialized per attempt.
	buildBody := func(cred *credpool.KiroCredentials) ([]byte, error) {
		kiroReq := res.Request
		kiroReq.ProfileArn = cred.ProfileArn
		return json.Marshal(&kiroReq)
	}

	modelID := res.Request.ConversationState.CurrentMessage.UserInputMessage.ModelID
	upstreamBody, err := s.client.Send(r.Context(), buildBody, modelID, false)
	if err != nil {
		if errors.Is(err, upstream.ErrRequestTooLarge) {
			writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, err.Error())
			return
		}
		writeUpstreamError(w, err)
		return
	}
	defer upstreamBody.Close()

	model := res.ModelOptions.Model
	thinkingEnabled := res.ModelOptions.Thinking != converter.ThinkingOff
	switch {
	case !req.Stream:
		s.aggregateResponse(w, upstreamBody, model, inputTokens)
	case buffered:
		s.streamBuffered(w, r, upstreamBody, model, inputTokens, thinkingEnabled)
	default:
		s.streamLive(w, r, upstreamBody, model, inputTokens, thinkingEnabled)
	}
}

// streamLive forwards events as they decode; message_start goes out
// immediately with the estimated input token count.
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request, body io.Reader, model string, inputTokens int64, thinkingEnabled bool) {
	sw := sse.NewWriter(w, r.Context())
	if err := sw.Setup(); err != nil {
		log.Printf("[web] sse setup failed: %v", err)
		return
	}
	defer sw.Close()

	proc := stream.NewProcessor(model, inputTokens, thinkingEnabled)
	if err := sw.SendAll(proc.InitialEvents()); err != nil {
		return
	}
	readFrames(body, func(ev kiroevent.Event) bool {
		return sw.SendAll(proc.HandleEvent(ev)) == nil
	})
	if err := sw.SendAll(proc.Finish()); err != nil {
		log.Printf("[web] stream aborted: %v", err)
	}
}

// streamBuffered holds all events until the upstream finishes, then replays
// the full sequence with message_start rewritten to the measured usage. The
// SSE response opens before the upstream read so headers go out immediately
// and the writer's ping ticker keeps the connection warm while buffering.
func (s *Server) streamBuffered(w http.ResponseWriter, r *http.Request, body io.Reader, model string, inputTokens int64, thinkingEnabled bool) {
	sw := sse.NewWriter(w, r.Context())
	if err := sw.Setup(); err != nil {
		log.Printf("[web] sse setup failed: %v", err)
		return
	}
	defer sw.Close()

	proc := stream.NewBufferedProcessor(model, inputTokens, thinkingEnabled)
	readFrames(body, func(ev kiroevent.Event) bool {
		if sw.Err() != nil {
			return false
		}
		proc.HandleEvent(ev)
		return true
	})
	if err := sw.SendAll(proc.Finish()); err != nil {
		log.Printf("[web] buffered stream aborted: %v", err)
	}
}

func (s *Server) aggregateResponse(w http.ResponseWriter, body io.Reader, model string, inputTokens int64) {
	agg := stream.NewAggregator(model, inputTokens)
	readFrames(body, func(ev kiroevent.Event) bool {
		agg.HandleEvent(ev)
		return true
	})
	writeJSON(w, http.StatusOK, agg.Message())
}

// readFrames decodes the upstream AWS event stream and dispatches each event
// until the body ends or handle asks to stop. Decode errors are recovered by
// the decoder itself; a stopped decoder ends the stream early.
func readFrames(body io.Reader, handle func(kiroevent.Event) bool) {
	dec := eventstream.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := dec.Feed(buf[:n]); err != nil {
				log.Printf("[web] event stream feed: %v", err)
				return
			}
			for {
				frame, err := dec.Decode()
				if err != nil {
					if errors.Is(err, eventstream.ErrNeedMoreData) {
						break
					}
					log.Printf("[web] event stream decode: %v", err)
					return
				}
				if !handle(kiroevent.FromFrame(frame)) {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Printf("[web] upstream read: %v", readErr)
			}
			return
		}
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInboundBodyBytes)
	var req anthropic.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "Invalid request body: "+err.Error())
		return
	}
	tokens := s.counter.CountRequest(r.Context(), req)
	if tokens < 1 {
		tokens = 1
	}
	writeJSON(w, http.StatusOK, anthropic.CountTokensResponse{InputTokens: tokens})
}
