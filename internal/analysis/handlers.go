package analysis

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/relay"
)

// RegisterHandlers serves the content commands on r.
func (s *Service) RegisterHandlers(r *relay.Router) {
	r.Handle(relay.ActionAnalyzeConversation, s.handleAnalyze)
	r.Handle(relay.ActionToggleOverlay, s.handleToggleOverlay)
	r.Handle(relay.ActionGetOverlayStatus, s.handleOverlayStatus)
	r.Handle(relay.ActionUpdateSettings, s.handleUpdateSettings)
	r.Handle(relay.ActionClearData, s.handleClearData)
	r.Handle(relay.ActionNetworkData, s.handleNetworkData)
	r.Handle(relay.ActionDebuggerError, s.handleDebuggerError)
	r.Handle(relay.ActionCheckDataReceived, s.handleCheckDataReceived)
}

// Analyze returns the tab's current result, then a fresh snapshot, and
// otherwise asks the background to refresh the tab. If that fails the tab is
// reloaded directly.
func (s *Service) Analyze(ctx context.Context, tabID string) relay.Reply {
	s.mu.Lock()
	tc := s.tab(tabID)
	current, convID := tc.Current, tc.ConversationID
	s.mu.Unlock()

	if current != nil && (current.HasData || current.IsConversationNotFound) {
		return relay.Reply{Status: relay.StatusOK, ConversationID: convID, Data: current}
	}

	if convID != "" && s.store != nil {
		entry, ok, err := s.store.Load(ctx, convID)
		if err != nil {
			log.Warn().Str("component", "analysis").Str("tab", tabID).Err(err).Msg("load snapshot")
		}
		if ok {
			result := &entry.Data
			s.mu.Lock()
			s.tab(tabID).Current = result
			s.mu.Unlock()
			s.present(tabID, convID, OriginCache, result)
			return relay.Reply{Status: relay.StatusCached, ConversationID: convID, Data: result}
		}
	}

	s.mu.Lock()
	s.tab(tabID).Received = false
	s.mu.Unlock()

	if s.background != nil {
		reply, err := s.background.Send(ctx, relay.Command{Action: relay.ActionRefreshAndCapture, TabID: tabID})
		if err == nil && reply.Status == relay.StatusOK {
			if reply.ConversationID != "" {
				convID = reply.ConversationID
			}
			return relay.Reply{Status: relay.StatusRefreshing, ConversationID: convID}
		}
		if err == nil {
			err = errors.New(reply.Error)
		}
		log.Info().Str("component", "analysis").Str("tab", tabID).Err(err).Msg("refresh request failed, reloading tab")
	}

	if s.reloader == nil {
		return relay.Fail(errors.New("tab cannot be reloaded"))
	}
	if err := s.reloader.Reload(ctx, tabID); err != nil {
		return relay.Fail(errors.Wrap(err, "reload tab"))
	}
	return relay.Reply{Status: relay.StatusReloading, ConversationID: convID}
}

func (s *Service) handleAnalyze(ctx context.Context, cmd relay.Command) relay.Reply {
	return s.Analyze(ctx, cmd.TabID)
}

func (s *Service) handleToggleOverlay(_ context.Context, cmd relay.Command) relay.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := s.tab(cmd.TabID)
	tc.OverlayVisible = !tc.OverlayVisible
	return relay.Reply{Status: relay.StatusOK, Visible: relay.Bool(tc.OverlayVisible)}
}

func (s *Service) handleOverlayStatus(_ context.Context, cmd relay.Command) relay.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := s.tab(cmd.TabID)
	hasData := tc.Current != nil && tc.Current.HasData
	return relay.Reply{
		Status:         relay.StatusOK,
		ConversationID: tc.ConversationID,
		Visible:        relay.Bool(tc.OverlayVisible),
		HasData:        relay.Bool(hasData),
	}
}

// handleUpdateSettings applies the fields present in the payload on top of
// the tab's current settings.
func (s *Service) handleUpdateSettings(_ context.Context, cmd relay.Command) relay.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := s.tab(cmd.TabID)
	settings := tc.Settings
	if err := cmd.Decode(&settings); err != nil {
		return relay.Fail(errors.Wrap(err, "decode settings"))
	}
	tc.Settings = settings
	return relay.OK()
}

func (s *Service) handleClearData(ctx context.Context, cmd relay.Command) relay.Reply {
	s.mu.Lock()
	tc := s.tab(cmd.TabID)
	convID := tc.ConversationID
	tc.Current = nil
	tc.Received = false
	tc.LastError = ""
	s.mu.Unlock()

	if convID != "" && s.store != nil {
		if err := s.store.Delete(ctx, convID); err != nil {
			return relay.Fail(err)
		}
	}
	return relay.OK()
}

func (s *Service) handleNetworkData(ctx context.Context, cmd relay.Command) relay.Reply {
	var p relay.CapturedPayload
	if err := cmd.Decode(&p); err != nil {
		return relay.Fail(errors.Wrap(err, "decode payload"))
	}
	if len(p.Data) == 0 {
		return relay.Fail(errors.New("payload has no data"))
	}
	if p.Source == "" {
		p.Source = relay.SourceNetwork
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = s.now()
	}
	result := s.Ingest(ctx, cmd.TabID, p)
	return relay.Reply{
		Status:         relay.StatusOK,
		ConversationID: conversationID(p, result),
		Received:       relay.Bool(true),
		HasData:        relay.Bool(result.HasData),
	}
}

func (s *Service) handleDebuggerError(_ context.Context, cmd relay.Command) relay.Reply {
	var p struct {
		Error string `json:"error"`
	}
	if err := cmd.Decode(&p); err != nil {
		return relay.Fail(errors.Wrap(err, "decode error report"))
	}
	s.mu.Lock()
	s.tab(cmd.TabID).LastError = p.Error
	s.mu.Unlock()
	log.Warn().Str("component", "analysis").Str("tab", cmd.TabID).Str("error", p.Error).Msg("capture error reported")
	return relay.OK()
}

func (s *Service) handleCheckDataReceived(_ context.Context, cmd relay.Command) relay.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := s.tab(cmd.TabID)
	return relay.Reply{Status: relay.StatusOK, Received: relay.Bool(tc.Received)}
}

func conversationID(p relay.CapturedPayload, r *extractor.AnalysisResult) string {
	if p.ConversationID != "" {
		return p.ConversationID
	}
	return r.ConversationID()
}
