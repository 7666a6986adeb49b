package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// randomDefaultsSetting is the JSON shape of the admin-tunable
// random.defaults RuntimeSetting: quality weights and category
// multipliers applied when a request doesn't override them with rec_*
// params. Multiplier map keys are strings ("0", "1", "2", "unknown")
// since JSON object keys are always strings.
type randomDefaultsSetting struct {
	Weights           *QualityWeights    `json:"weights,omitempty"`
	AIMultipliersRaw  map[string]float64 `json:"ai_multipliers,omitempty"`
	IllustMultsRaw    map[string]float64 `json:"illust_type_multipliers,omitempty"`
	AIMultipliers     map[int]float64    `json:"-"`
	IllustMultipliers map[int]float64    `json:"-"`
}

func (rd *randomDefaultsSetting) unmarshal(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, rd); err != nil {
		return err
	}
	rd.AIMultipliers = stringKeysToInt(rd.AIMultipliersRaw)
	rd.IllustMultipliers = stringKeysToInt(rd.IllustMultsRaw)
	return nil
}

func stringKeysToInt(m map[string]float64) map[int]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[int]float64, len(m))
	for k, v := range m {
		if k == "unknown" {
			out[unknownCategory] = v
			continue
		}
		if n, err := strconv.Atoi(k); err == nil {
			out[n] = v
		}
	}
	return out
}

// unknownCategory is the bucket key for a nil ai_type/illust_type column,
// distinct from any real Pixiv-assigned code (which are always >= 0).
const unknownCategory = -1

// QualityWeights are the per-metric multipliers in the §4.7 quality score:
// score = Σ w_i · log1p(metric_i), metrics being raw counts plus the
// million-pixel area and the per-mille bookmark rate.
type QualityWeights struct {
	Bookmark     float64
	View         float64
	Comment      float64
	Pixels       float64
	BookmarkRate float64
}

// DefaultQualityWeights favors bookmark rate and raw bookmarks over view
// count, which tends to reward volume over quality on its own.
func DefaultQualityWeights() QualityWeights {
	return QualityWeights{Bookmark: 1.0, View: 0.15, Comment: 0.5, Pixels: 0.1, BookmarkRate: 2.0}
}

// QualityMultipliers scales a candidate's score by category: AI-generated
// vs not, and illust/manga/ugoira. Keys are the raw ai_type/illust_type
// codes; unknownCategory covers a NULL column. A zero multiplier excludes
// the category outright (and is pushed down into the SQL filter so it
// never needs scoring).
type QualityMultipliers struct {
	AI         map[int]float64
	IllustType map[int]float64
}

// DefaultQualityMultipliers treats every category as equally weighted.
func DefaultQualityMultipliers() QualityMultipliers {
	return QualityMultipliers{
		AI:         map[int]float64{0: 1.0, 1: 1.0, unknownCategory: 1.0},
		IllustType: map[int]float64{0: 1.0, 1: 1.0, 2: 1.0, unknownCategory: 1.0},
	}
}

func multiplierFor(m map[int]float64, key int) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	return 1.0
}

// PickRequest carries the full /random parameter surface: the row filter
// plus the quality-mode knobs (strategy, seed, sample size, pick mode,
// temperature, weight/multiplier overrides).
type PickRequest struct {
	Filter         repository.Filter
	Strategy       string // "quality" (default) or "random"
	Seed           string
	QualitySamples int
	PickMode       string // "best" (default) or "weighted"
	Temperature    float64
	Weights        QualityWeights
	Multipliers    QualityMultipliers
}

// DefaultPickRequest returns a PickRequest pre-filled with the package
// defaults, ready for a caller to override individual fields.
func DefaultPickRequest(f repository.Filter) PickRequest {
	return PickRequest{
		Filter:         f,
		Strategy:       "quality",
		QualitySamples: 50,
		PickMode:       "best",
		Temperature:    1.0,
		Weights:        DefaultQualityWeights(),
		Multipliers:    DefaultQualityMultipliers(),
	}
}

// PickerService implements the §4.7 random picker: a uniform wrap-around
// cursor scan over the filtered population, either returned directly
// ("random" strategy) or used as the candidate pool for quality scoring
// and best/weighted selection ("quality" strategy, the default).
type PickerService struct {
	imageRepo   repository.ImageRepository
	settingRepo repository.RuntimeSettingRepository
	clock       clock.Clock
}

// NewPickerService creates a new PickerService.
func NewPickerService(imageRepo repository.ImageRepository, settingRepo repository.RuntimeSettingRepository, c clock.Clock) *PickerService {
	return &PickerService{imageRepo: imageRepo, settingRepo: settingRepo, clock: c}
}

// MaxRetries bounds the number of fresh draws attempted before giving up,
// protecting against a filter so narrow no image will ever satisfy it.
const MaxRetries = 3

// newRNG returns a seeded RNG when seed is non-empty (reproducible draws
// for the same seed/filter/dataset), else a fresh process-level source.
func newRNG(seed string) *rand.Rand {
	if seed == "" {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// wrapAroundDraw runs the two-query wrap-around scan seeded at r.
func (s *PickerService) wrapAroundDraw(ctx context.Context, f repository.Filter, r float64, limit int) ([]*models.Image, error) {
	batch, err := s.imageRepo.WrapAroundScan(ctx, f, r, limit)
	if err != nil {
		return nil, fmt.Errorf("wrap-around scan: %w", err)
	}
	return batch, nil
}

// Pick returns up to limit images drawn uniformly at random from the
// images matching f (the "random" strategy, and the candidate draw
// underlying quality mode).
func (s *PickerService) Pick(ctx context.Context, f repository.Filter, limit int, rng *rand.Rand) ([]*models.Image, error) {
	if rng == nil {
		rng = newRNG("")
	}
	var out []*models.Image
	seen := make(map[int64]bool)

	for attempt := 0; attempt < MaxRetries && len(out) < limit; attempt++ {
		batch, err := s.wrapAroundDraw(ctx, f, rng.Float64(), limit-len(out))
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, img := range batch {
			if seen[img.ID] {
				continue
			}
			seen[img.ID] = true
			out = append(out, img)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// resolveDefaults merges req's explicit fields over the runtime-configured
// random.defaults setting, falling back to the package defaults when
// neither supplies a value.
func (s *PickerService) resolveDefaults(ctx context.Context, req PickRequest) PickRequest {
	out := req
	if out.Strategy == "" {
		out.Strategy = "quality"
	}
	if out.PickMode == "" {
		out.PickMode = "best"
	}
	if out.QualitySamples <= 0 {
		out.QualitySamples = 50
	}
	if out.QualitySamples > 1000 {
		out.QualitySamples = 1000
	}
	if out.Temperature <= 0 {
		out.Temperature = 1.0
	}
	zeroWeights := out.Weights == QualityWeights{}
	needAI := len(out.Multipliers.AI) == 0
	needIllust := len(out.Multipliers.IllustType) == 0

	if s.settingRepo == nil || (!zeroWeights && !needAI && !needIllust) {
		if zeroWeights {
			out.Weights = DefaultQualityWeights()
		}
		if needAI || needIllust {
			def := DefaultQualityMultipliers()
			if needAI {
				out.Multipliers.AI = def.AI
			}
			if needIllust {
				out.Multipliers.IllustType = def.IllustType
			}
		}
		return out
	}

	setting, err := s.settingRepo.Get(ctx, models.SettingRandomDefaults)
	var rd randomDefaultsSetting
	if err == nil && setting != nil {
		_ = rd.unmarshal(setting.ValueJSON)
	}

	if zeroWeights {
		if rd.Weights != nil {
			out.Weights = *rd.Weights
		} else {
			out.Weights = DefaultQualityWeights()
		}
	}
	def := DefaultQualityMultipliers()
	if needAI {
		if rd.AIMultipliers != nil {
			out.Multipliers.AI = rd.AIMultipliers
		} else {
			out.Multipliers.AI = def.AI
		}
	}
	if needIllust {
		if rd.IllustMultipliers != nil {
			out.Multipliers.IllustType = rd.IllustMultipliers
		} else {
			out.Multipliers.IllustType = def.IllustType
		}
	}
	return out
}

// restrictZeroMultiplierCategories pushes a multiplier=0 category down
// into the SQL filter (per §4.7: "filter out in SQL up-front") instead of
// scoring and discarding candidates after the fact. Only applies when the
// caller hasn't already constrained that axis explicitly.
func restrictZeroMultiplierCategories(f *repository.Filter, m QualityMultipliers) {
	if len(f.AITypes) == 0 {
		var allowed []int
		for _, k := range []int{0, 1} {
			if multiplierFor(m.AI, k) != 0 {
				allowed = append(allowed, k)
			}
		}
		if len(allowed) == 1 {
			f.AITypes = allowed
		}
	}
	if len(f.IllustTypes) == 0 {
		var allowed []int
		for _, k := range []int{0, 1, 2} {
			if multiplierFor(m.IllustType, k) != 0 {
				allowed = append(allowed, k)
			}
		}
		if len(allowed) > 0 && len(allowed) < 3 {
			f.IllustTypes = allowed
		}
	}
}

func categoryMultiplier(img *models.Image, m QualityMultipliers) float64 {
	ai, illust := unknownCategory, unknownCategory
	if img.AIType != nil {
		ai = *img.AIType
	}
	if img.IllustType != nil {
		illust = *img.IllustType
	}
	return multiplierFor(m.AI, ai) * multiplierFor(m.IllustType, illust)
}

func qualityScore(img *models.Image, w QualityWeights) float64 {
	bookmark, view, comment, pixels := 0.0, 0.0, 0.0, 0.0
	if img.BookmarkCount != nil {
		bookmark = float64(*img.BookmarkCount)
	}
	if img.ViewCount != nil {
		view = float64(*img.ViewCount)
	}
	if img.CommentCount != nil {
		comment = float64(*img.CommentCount)
	}
	if img.Width != nil && img.Height != nil {
		pixels = float64(*img.Width) * float64(*img.Height) / 1e6
	}
	rate := 0.0
	if view > 0 {
		rate = 1000 * bookmark / view
	}
	return w.Bookmark*math.Log1p(bookmark) +
		w.View*math.Log1p(view) +
		w.Comment*math.Log1p(comment) +
		w.Pixels*math.Log1p(pixels) +
		w.BookmarkRate*math.Log1p(rate)
}

// pickBest returns the candidate with the highest score+log(multiplier),
// skipping any candidate whose category multiplier is zero.
func pickBest(candidates []*models.Image, w QualityWeights, m QualityMultipliers) *models.Image {
	var best *models.Image
	bestScore := math.Inf(-1)
	for _, img := range candidates {
		mult := categoryMultiplier(img, m)
		if mult <= 0 {
			continue
		}
		score := qualityScore(img, w) + math.Log(mult)
		if score > bestScore {
			bestScore = score
			best = img
		}
	}
	return best
}

// pickWeighted samples one candidate with probability proportional to
// exp(logit/temperature), via a max-subtracted ("stable") softmax.
func pickWeighted(rng *rand.Rand, candidates []*models.Image, w QualityWeights, m QualityMultipliers, temperature float64) *models.Image {
	type scored struct {
		img   *models.Image
		logit float64
	}
	var usable []scored
	maxLogit := math.Inf(-1)
	for _, img := range candidates {
		mult := categoryMultiplier(img, m)
		if mult <= 0 {
			continue
		}
		logit := (qualityScore(img, w) + math.Log(mult)) / temperature
		usable = append(usable, scored{img: img, logit: logit})
		if logit > maxLogit {
			maxLogit = logit
		}
	}
	if len(usable) == 0 {
		return nil
	}
	weights := make([]float64, len(usable))
	sum := 0.0
	for i, s := range usable {
		weights[i] = math.Exp(s.logit - maxLogit)
		sum += weights[i]
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, wgt := range weights {
		acc += wgt
		if r <= acc {
			return usable[i].img
		}
	}
	return usable[len(usable)-1].img
}

// PickOne selects a single image per req: "random" strategy draws
// directly from the wrap-around scan; "quality" (default) draws
// QualitySamples candidates from the same scan and ranks them by score.
func (s *PickerService) PickOne(ctx context.Context, req PickRequest) (*models.Image, error) {
	req = s.resolveDefaults(ctx, req)
	rng := newRNG(req.Seed)

	if req.Strategy == "random" {
		imgs, err := s.Pick(ctx, req.Filter, 1, rng)
		if err != nil {
			return nil, err
		}
		if len(imgs) == 0 {
			return nil, ErrNoMatch
		}
		return imgs[0], nil
	}

	f := req.Filter
	restrictZeroMultiplierCategories(&f, req.Multipliers)
	candidates, err := s.Pick(ctx, f, req.QualitySamples, rng)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	var picked *models.Image
	if req.PickMode == "weighted" {
		picked = pickWeighted(rng, candidates, req.Weights, req.Multipliers, req.Temperature)
	} else {
		picked = pickBest(candidates, req.Weights, req.Multipliers)
	}
	if picked == nil {
		return nil, ErrNoMatch
	}
	return picked, nil
}

// ErrNoMatch is returned when no image satisfies the picker's filter.
var ErrNoMatch = fmt.Errorf("no image matches the given filter")
