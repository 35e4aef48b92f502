package manager

import (
	"context"
	"slices"
	"sort"

	"localinfer/internal/events"
	"localinfer/pkg/types"
)

// PullModel downloads id into the registry. Concurrent pulls of the same id
// share one download; every caller's progress func sees its events.
func (s *Service) PullModel(ctx context.Context, id string, progress func(types.DownloadProgress)) (types.ModelInfo, error) {
	unsubscribe := s.subscribe(id, progress)
	defer unsubscribe()

	ch := s.pulls.DoChan(id, func() (any, error) {
		// detached from the first caller; cancelled when the last
		// subscriber leaves
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		run := &pullRun{cancel: cancel}
		if !s.trackPull(id, run) {
			return types.ModelInfo{}, context.Canceled
		}
		defer s.untrackPull(id, run)
		s.log.Info().Str("model", id).Msg("pull started")
		info, err := s.cfg.Puller.Pull(pctx, id, func(p types.DownloadProgress) { s.fanout(id, p) })
		if err != nil {
			s.log.Warn().Err(err).Str("model", id).Msg("pull failed")
			return types.ModelInfo{}, err
		}
		s.log.Info().Str("model", id).Int64("bytes", info.SizeBytes).Msg("pull finished")
		s.pub.Publish(events.Event{Name: events.PullDone, ModelID: id, Fields: map[string]any{"size_bytes": info.SizeBytes}})
		return info, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.ModelInfo{}, res.Err
		}
		return res.Val.(types.ModelInfo), nil
	case <-ctx.Done():
		return types.ModelInfo{}, ctx.Err()
	}
}

func (s *Service) subscribe(id string, fn func(types.DownloadProgress)) func() {
	s.pullsMu.Lock()
	defer s.pullsMu.Unlock()
	if fn == nil {
		fn = func(types.DownloadProgress) {}
	}
	s.subs[id] = append(s.subs[id], fn)
	idx := len(s.subs[id]) - 1
	return func() {
		s.pullsMu.Lock()
		defer s.pullsMu.Unlock()
		list := s.subs[id]
		if idx < len(list) {
			list[idx] = nil
		}
		for _, f := range list {
			if f != nil {
				return
			}
		}
		delete(s.subs, id)
		if run, ok := s.runs[id]; ok {
			delete(s.runs, id)
			s.pulls.Forget(id)
			run.cancel()
		}
	}
}

// pullRun is one in-flight download.
type pullRun struct {
	cancel context.CancelFunc
}

// trackPull records a running download. It reports false when every
// subscriber already left.
func (s *Service) trackPull(id string, run *pullRun) bool {
	s.pullsMu.Lock()
	defer s.pullsMu.Unlock()
	if len(s.subs[id]) == 0 {
		return false
	}
	s.runs[id] = run
	return true
}

func (s *Service) untrackPull(id string, run *pullRun) {
	s.pullsMu.Lock()
	if s.runs[id] == run {
		delete(s.runs, id)
	}
	s.pullsMu.Unlock()
}

func (s *Service) subscribers(id string) int {
	s.pullsMu.Lock()
	defer s.pullsMu.Unlock()
	n := 0
	for _, f := range s.subs[id] {
		if f != nil {
			n++
		}
	}
	return n
}

func (s *Service) fanout(id string, p types.DownloadProgress) {
	s.pullsMu.Lock()
	fns := slices.Clone(s.subs[id])
	s.pullsMu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(p)
		}
	}
	s.pub.Publish(events.Event{Name: events.PullProgress, ModelID: id, Fields: map[string]any{
		"file":       p.FileName,
		"downloaded": p.DownloadedBytes,
		"total":      p.TotalBytes,
	}})
}

func (s *Service) activePulls() []string {
	s.pullsMu.Lock()
	defer s.pullsMu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
