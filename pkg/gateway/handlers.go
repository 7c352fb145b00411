package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/translate"
	"github.com/credmux/credmux/pkg/upstream"
	"github.com/credmux/credmux/pkg/usagedb"
)

const maxRequestBody = 32 << 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, translate.FormatOpenAI)
}

func (s *Server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, translate.FormatClaude)
}

// resolveChatFormat classifies the body shape and lets an unambiguous
// detection override the surface default. A plain messages[] body carries no
// discriminating marker, so it keeps the endpoint's native shape.
func resolveChatFormat(body []byte, fallback translate.Format) translate.Format {
	switch translate.DetectFormat(body) {
	case translate.FormatClaude:
		return translate.FormatClaude
	case translate.FormatGemini:
		return translate.FormatGemini
	case translate.FormatOpenAI:
		if fallback == translate.FormatClaude {
			return translate.FormatClaude
		}
		return translate.FormatOpenAI
	default:
		return fallback
	}
}

// handleChat serves both generic chat surfaces. The translator is picked
// from the detected body shape, so an Anthropic-shaped or contents[]-shaped
// body on /v1/chat/completions is answered in its own format.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, fallback translate.Format) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, fallback, gwErr(KindClientRequest, "unreadable request body", err))
		return
	}
	format := resolveChatFormat(body, fallback)

	var tr *translate.TranslatedRequest
	switch format {
	case translate.FormatClaude:
		tr, err = translate.ClaudeRequestToGemini(body)
	case translate.FormatGemini:
		tr, err = geminiChatRequest(body)
	default:
		tr, err = translate.OpenAIRequestToGemini(body)
	}
	if err != nil {
		writeError(w, format, gwErr(KindClientRequest, err.Error(), err))
		return
	}
	s.serve(w, r, format, tr)
}

// geminiChatRequest handles a contents[]-shaped body on a generic chat
// surface. The native route carries model and operation in the path; here
// they must ride in the body instead.
func geminiChatRequest(body []byte) (*translate.TranslatedRequest, error) {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return nil, errors.New("contents-shaped bodies need a model field here, or use /v1beta/models/{model}:generateContent")
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	for _, key := range []string{"model", "stream"} {
		stripped, err := sjson.DeleteBytes(body, key)
		if err == nil {
			body = stripped
		}
	}
	return translate.GeminiRequestToUpstream(model, body, stream)
}

// handleGeminiGenerate serves the native surface:
// /v1beta/models/{model}:generateContent and :streamGenerateContent.
func (s *Server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	tail := chi.URLParam(r, "*")
	model, op, ok := strings.Cut(tail, ":")
	if !ok {
		writeError(w, translate.FormatGemini, gwErr(KindClientRequest, "missing :generateContent suffix", nil))
		return
	}
	var stream bool
	switch op {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(w, translate.FormatGemini, gwErr(KindClientRequest, "unsupported operation "+op, nil))
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, translate.FormatGemini, gwErr(KindClientRequest, "unreadable request body", err))
		return
	}
	tr, err := translate.GeminiRequestToUpstream(model, body, stream)
	if err != nil {
		writeError(w, translate.FormatGemini, gwErr(KindClientRequest, err.Error(), err))
		return
	}
	s.serve(w, r, translate.FormatGemini, tr)
}

// serve runs the shared pipeline behind every chat surface: route the
// model to a provider, execute under the retry engine, then render the
// outcome in the client's format, buffered or streamed.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, format translate.Format, tr *translate.TranslatedRequest) {
	provider, model := routeProvider(tr.Model)
	engine, ok := s.engines[provider]
	if !ok {
		writeError(w, format, gwErr(KindClientRequest, "unknown provider "+provider, nil))
		return
	}
	callerID := middleware.GetReqID(r.Context())
	if callerID == "" {
		callerID = uuid.NewString()
	}

	snap := s.cfg.Snapshot()
	fake := tr.Stream && provider == config.ProviderAntigravity && snap.Antigravity.FakeStream
	upstreamStream := tr.Stream && !fake

	start := time.Now()
	outcome, err := engine.Execute(r.Context(), callerID, model, tr.Request, upstreamStream)
	if err != nil {
		s.recordUsage(r.Context(), provider, model, format, 0, nil, httpStatusFor(err), start)
		writeError(w, format, err)
		return
	}
	defer outcome.Finish(context.Background())

	switch {
	case !tr.Stream:
		s.serveBuffered(w, r, format, provider, model, outcome, start)
	case fake:
		s.serveFakeStream(w, r, format, provider, model, outcome, snap.Stream.Heartbeat(), start)
	default:
		s.serveStream(w, r, format, provider, model, outcome, start)
	}
}

func (s *Server) serveBuffered(w http.ResponseWriter, r *http.Request, format translate.Format, provider, model string, outcome *Outcome, start time.Time) {
	body, err := io.ReadAll(io.LimitReader(outcome.Result.Body, maxRequestBody))
	if err != nil {
		writeError(w, format, gwErr(KindTransientUpstream, "upstream body read failed", err))
		return
	}

	var out []byte
	switch format {
	case translate.FormatClaude:
		out, err = translate.GeminiResponseToClaude(model, body)
	case translate.FormatGemini:
		out = translate.GeminiResponseFromUpstream(body)
	default:
		out, err = translate.GeminiResponseToOpenAI(model, body, time.Now())
	}
	if err != nil {
		writeError(w, format, gwErr(KindTransientUpstream, "upstream response unparseable", err))
		return
	}
	usage := usageFromBody(body)
	s.recordUsage(r.Context(), provider, model, format, outcome.Grant.CredentialID, usage, http.StatusOK, start)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	fl, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, fl: fl}
	w.WriteHeader(http.StatusOK)
	sw.flush()
	return sw
}

func (sw *sseWriter) flush() {
	if sw.fl != nil {
		sw.fl.Flush()
	}
}

func (sw *sseWriter) writeFrame(f translate.Frame) error {
	if f.Event != "" {
		if _, err := io.WriteString(sw.w, "event: "+f.Event+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(sw.w, "data: "); err != nil {
		return err
	}
	if _, err := sw.w.Write(f.Data); err != nil {
		return err
	}
	if _, err := io.WriteString(sw.w, "\n\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *sseWriter) writeComment(text string) error {
	_, err := io.WriteString(sw.w, ": "+text+"\n\n")
	sw.flush()
	return err
}

func (sw *sseWriter) writeDone() {
	_, _ = io.WriteString(sw.w, "data: [DONE]\n\n")
	sw.flush()
}

// heartbeat emits the format's keep-alive frame.
func (sw *sseWriter) heartbeat(format translate.Format) error {
	if format == translate.FormatClaude {
		return sw.writeFrame(translate.Frame{Event: "ping", Data: []byte(`{"type":"ping"}`)})
	}
	return sw.writeComment("heartbeat")
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, format translate.Format, provider, model string, outcome *Outcome, start time.Time) {
	sw := newSSEWriter(w)
	st := translate.NewStreamState(format, model, time.Now())
	scanner := upstream.NewFrameScanner(outcome.Result.Body)

	var usage *usagedb.Event
	writeFailed := false
	for {
		if r.Context().Err() != nil {
			break
		}
		payload, err := scanner.Next()
		if errors.Is(err, upstream.ErrStreamDone) {
			break
		}
		if err != nil {
			// Headers are gone; the only way to signal is an in-band frame.
			_ = sw.writeFrame(translate.Frame{Data: errorBody(format, http.StatusBadGateway, gwErr(KindTransientUpstream, "upstream stream broke", err))})
			writeFailed = true
			break
		}
		if u := usageFromBody(payload); u != nil {
			usage = u
		}
		frames, err := st.TranslateFrame(payload)
		if err != nil {
			s.log.Warn("stream frame translation", "err", err)
			continue
		}
		for _, f := range frames {
			if err := sw.writeFrame(f); err != nil {
				writeFailed = true
				break
			}
		}
		if writeFailed {
			break
		}
	}

	if !writeFailed && r.Context().Err() == nil {
		if frames, err := st.Finish(); err == nil {
			for _, f := range frames {
				if sw.writeFrame(f) != nil {
					break
				}
			}
		}
		if format == translate.FormatOpenAI {
			sw.writeDone()
		}
	}
	s.recordUsage(r.Context(), provider, model, format, outcome.Grant.CredentialID, usage, http.StatusOK, start)
}

// serveFakeStream buffers the upstream response while emitting keep-alive
// frames, then replays it as a short synthetic stream.
func (s *Server) serveFakeStream(w http.ResponseWriter, r *http.Request, format translate.Format, provider, model string, outcome *Outcome, heartbeat time.Duration, start time.Time) {
	sw := newSSEWriter(w)

	type readResult struct {
		body []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		body, err := io.ReadAll(io.LimitReader(outcome.Result.Body, maxRequestBody))
		ch <- readResult{body: body, err: err}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	var res readResult
wait:
	for {
		select {
		case res = <-ch:
			break wait
		case <-ticker.C:
			if sw.heartbeat(format) != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
	if res.err != nil {
		_ = sw.writeFrame(translate.Frame{Data: errorBody(format, http.StatusBadGateway, gwErr(KindTransientUpstream, "upstream body read failed", res.err))})
		return
	}

	st := translate.NewStreamState(format, model, time.Now())
	frames, err := st.TranslateFrame(res.body)
	if err == nil {
		if finish, ferr := st.Finish(); ferr == nil {
			frames = append(frames, finish...)
		}
	}
	for _, f := range frames {
		if sw.writeFrame(f) != nil {
			return
		}
	}
	if format == translate.FormatOpenAI {
		sw.writeDone()
	}
	s.recordUsage(r.Context(), provider, model, format, outcome.Grant.CredentialID, usageFromBody(res.body), http.StatusOK, start)
}

// usageFromBody pulls usageMetadata out of a buffered response or a
// stream frame, enveloped or not.
func usageFromBody(body []byte) *usagedb.Event {
	meta := gjson.GetBytes(body, "response.usageMetadata")
	if !meta.Exists() {
		meta = gjson.GetBytes(body, "usageMetadata")
	}
	if !meta.Exists() {
		return nil
	}
	prompt := int(meta.Get("promptTokenCount").Int())
	completion := int(meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int())
	total := int(meta.Get("totalTokenCount").Int())
	if total == 0 {
		total = prompt + completion
	}
	return &usagedb.Event{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

func (s *Server) recordUsage(ctx context.Context, provider, model string, format translate.Format, credentialID int64, usage *usagedb.Event, status int, start time.Time) {
	identity := identityFrom(ctx)
	evt := usagedb.Event{
		Timestamp:    start,
		Provider:     provider,
		Model:        model,
		Format:       format.String(),
		APIKeyName:   identity.Name,
		CredentialID: credentialID,
		StatusCode:   status,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	if usage != nil {
		evt.PromptTokens = usage.PromptTokens
		evt.CompletionTokens = usage.CompletionTokens
		evt.TotalTokens = usage.TotalTokens
	}
	if err := s.usage.Append(evt); err != nil {
		s.log.Warn("usage append failed", "err", err)
	}
	if usage != nil {
		s.applyTokenUsage(identity.ID, int64(usage.TotalTokens))
	}
}
