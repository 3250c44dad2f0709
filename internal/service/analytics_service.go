package service

import (
	"context"
	"math/rand"
	"slices"
	"sort"
	"strings"

	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/store"
	"github.com/makeasinger/bulkgen/internal/variant"
)

const (
	negativeOn  = "with negative"
	negativeOff = "without negative"
	topPrompts  = 10
)

// AnalyticsService serves the read-side comparison and rating views
type AnalyticsService struct {
	store   store.Store
	shuffle func(n int, swap func(i, j int))
	intn    func(n int) int
}

func NewAnalyticsService(st store.Store) *AnalyticsService {
	return &AnalyticsService{
		store:   st,
		shuffle: rand.Shuffle,
		intn:    rand.Intn,
	}
}

func (s *AnalyticsService) completed(ctx context.Context, jobID string) (*model.Job, []model.TestPrompt, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	prompts, err := s.store.ListPrompts(ctx, store.PromptQuery{
		JobID:    jobID,
		Statuses: []model.PromptStatus{model.PromptStatusCompleted},
	})
	if err != nil {
		return nil, nil, err
	}
	return job, prompts, nil
}

// valueOf returns the prompt's value on one comparison axis.
func valueOf(p *model.TestPrompt, variable string) string {
	switch {
	case variable == model.VariableTemplate:
		return p.TemplateLabel
	case variable == model.VariableNegative:
		if p.NegativeUsed {
			return negativeOn
		}
		return negativeOff
	case strings.HasPrefix(variable, model.PlaceholderVariablePrefix):
		return p.PlaceholderValues[strings.TrimPrefix(variable, model.PlaceholderVariablePrefix)]
	case strings.HasPrefix(variable, model.InputVariablePrefix):
		return p.InputValues[strings.TrimPrefix(variable, model.InputVariablePrefix)]
	}
	return ""
}

// axisValues lists the values of an axis in job definition order.
func axisValues(job *model.Job, variable string) []string {
	switch {
	case variable == model.VariableTemplate:
		out := make([]string, len(job.Templates))
		for i, t := range job.Templates {
			out[i] = variant.TemplateLabel(i, t)
		}
		return out
	case variable == model.VariableNegative:
		return []string{negativeOff, negativeOn}
	case strings.HasPrefix(variable, model.PlaceholderVariablePrefix):
		return listValues(job.PlaceholderValues, strings.TrimPrefix(variable, model.PlaceholderVariablePrefix))
	case strings.HasPrefix(variable, model.InputVariablePrefix):
		return listValues(job.InputSlots, strings.TrimPrefix(variable, model.InputVariablePrefix))
	}
	return nil
}

func listValues(lists []model.ValueList, key string) []string {
	for _, l := range lists {
		if l.Key != key {
			continue
		}
		// repeated values share one group
		seen := make(map[string]struct{}, len(l.Values))
		out := make([]string, 0, len(l.Values))
		for _, v := range l.Values {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

// pooledMean averages every score and rating recorded across prompts.
func pooledMean(prompts []model.TestPrompt) float64 {
	var total float64
	var n int
	for i := range prompts {
		total += prompts[i].ScoreTotal + prompts[i].RatingTotal
		n += prompts[i].ScoreCount + prompts[i].RatingCount
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Matrix groups completed prompts by two comparison axes. varB may be empty
// for a single-axis view.
func (s *AnalyticsService) Matrix(ctx context.Context, jobID, varA, varB string) (*model.MatrixResponse, error) {
	job, prompts, err := s.completed(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(job.VariablesAvailable, varA) {
		return nil, invalid("varA", "unknown variable %q", varA)
	}
	if varB != "" && !slices.Contains(job.VariablesAvailable, varB) {
		return nil, invalid("varB", "unknown variable %q", varB)
	}

	valuesA := axisValues(job, varA)
	valuesB := []string{""}
	if varB != "" {
		valuesB = axisValues(job, varB)
	}

	type cellKey struct{ a, b string }
	groups := make(map[cellKey][]model.TestPrompt)
	for i := range prompts {
		k := cellKey{a: valueOf(&prompts[i], varA)}
		if varB != "" {
			k.b = valueOf(&prompts[i], varB)
		}
		groups[k] = append(groups[k], prompts[i])
	}

	resp := &model.MatrixResponse{VarA: varA, VarB: varB, ValuesA: valuesA}
	if varB != "" {
		resp.ValuesB = valuesB
	}
	for _, a := range valuesA {
		for _, b := range valuesB {
			members := groups[cellKey{a, b}]
			if members == nil {
				members = []model.TestPrompt{}
			}
			resp.Cells = append(resp.Cells, model.MatrixCell{
				ValueA:    a,
				ValueB:    b,
				Prompts:   members,
				MeanScore: pooledMean(members),
			})
		}
	}
	return resp, nil
}

func matchesFilter(p *model.TestPrompt, f model.GalleryFilter) bool {
	if f.TemplateIndex != nil && p.TemplateIndex != *f.TemplateIndex {
		return false
	}
	if f.NegativeUsed != nil && p.NegativeUsed != *f.NegativeUsed {
		return false
	}
	for k, v := range f.Placeholders {
		if p.PlaceholderValues[k] != v {
			return false
		}
	}
	for k, v := range f.Inputs {
		if p.InputValues[k] != v {
			return false
		}
	}
	return true
}

// rankByScore orders prompts by mean score, highest first, shuffling the
// members of each group of equal scores.
func (s *AnalyticsService) rankByScore(prompts []model.TestPrompt) {
	sort.SliceStable(prompts, func(i, j int) bool {
		return prompts[i].MeanScore() > prompts[j].MeanScore()
	})
	for start := 0; start < len(prompts); {
		end := start + 1
		for end < len(prompts) && prompts[end].MeanScore() == prompts[start].MeanScore() {
			end++
		}
		group := prompts[start:end]
		s.shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		start = end
	}
}

// Gallery returns a capped page of completed prompts ranked by score
func (s *AnalyticsService) Gallery(ctx context.Context, jobID string, f model.GalleryFilter) (*model.GalleryResponse, error) {
	_, prompts, err := s.completed(ctx, jobID)
	if err != nil {
		return nil, err
	}

	filtered := prompts[:0]
	for i := range prompts {
		if matchesFilter(&prompts[i], f) {
			filtered = append(filtered, prompts[i])
		}
	}
	s.rankByScore(filtered)

	total := len(filtered)
	if limit := clampLimit(f.Limit, 60, 500); len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return &model.GalleryResponse{Prompts: filtered, Total: total}, nil
}

// ScorePair samples two distinct completed prompts for a forced-choice vote
func (s *AnalyticsService) ScorePair(ctx context.Context, jobID string) (*model.ScorePairResponse, error) {
	_, prompts, err := s.completed(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(prompts) < 2 {
		return nil, ErrNotEnoughPrompts
	}

	i := s.intn(len(prompts))
	j := s.intn(len(prompts) - 1)
	if j >= i {
		j++
	}
	return &model.ScorePairResponse{Left: prompts[i], Right: prompts[j]}, nil
}

// Score records a pairwise vote as a score increment on both prompts
func (s *AnalyticsService) Score(ctx context.Context, jobID string, req *model.ScoreRequest) error {
	if req.LeftID == req.RightID {
		return invalid("right_id", "must differ from left_id")
	}

	var left, right float64
	switch req.Winner {
	case model.WinnerLeft:
		left, right = 1, 0
	case model.WinnerRight:
		left, right = 0, 1
	case model.WinnerTie:
		left, right = 0.5, 0.5
	default:
		return invalid("winner", "must be left, right or tie")
	}

	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	// both prompts must be scoreable before either is touched
	for _, id := range []string{req.LeftID, req.RightID} {
		p, err := s.store.GetPrompt(ctx, id)
		if err != nil {
			return err
		}
		if p.JobID != jobID || p.Status != model.PromptStatusCompleted {
			return ErrNotFound
		}
	}

	if err := s.store.AddScore(ctx, jobID, req.LeftID, left); err != nil {
		return err
	}
	return s.store.AddScore(ctx, jobID, req.RightID, right)
}

// Rate applies one batch rating to every listed completed prompt
func (s *AnalyticsService) Rate(ctx context.Context, jobID string, req *model.BatchRateRequest) (*model.BatchRateResponse, error) {
	weight, ok := req.Rating.Weight()
	if !ok {
		return nil, invalid("rating", "must be good, neutral or bad")
	}
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	ids := slices.Clone(req.PromptIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	n, err := s.store.ApplyRating(ctx, jobID, ids, weight)
	if err != nil {
		return nil, err
	}
	return &model.BatchRateResponse{Rating: req.Rating, Updated: n}, nil
}

// Analytics summarises mean scores along every comparison axis of a job
func (s *AnalyticsService) Analytics(ctx context.Context, jobID string) (*model.AnalyticsResponse, error) {
	job, prompts, err := s.completed(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.AnalyticsResponse{
		JobID:     jobID,
		Completed: len(prompts),
		Axes:      make(map[string][]model.ValueStat, len(job.VariablesAvailable)),
	}
	for _, variable := range job.VariablesAvailable {
		groups := make(map[string][]model.TestPrompt)
		for i := range prompts {
			v := valueOf(&prompts[i], variable)
			groups[v] = append(groups[v], prompts[i])
		}
		stats := make([]model.ValueStat, 0, len(groups))
		for _, v := range axisValues(job, variable) {
			stats = append(stats, model.ValueStat{
				Value:     v,
				Count:     len(groups[v]),
				MeanScore: pooledMean(groups[v]),
			})
		}
		resp.Axes[variable] = stats
	}

	var scored []model.TestPrompt
	for _, p := range prompts {
		if p.ScoreCount+p.RatingCount > 0 {
			scored = append(scored, p)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].MeanScore() > scored[j].MeanScore()
	})
	if len(scored) > topPrompts {
		scored = scored[:topPrompts]
	}
	resp.Top = scored
	return resp, nil
}
