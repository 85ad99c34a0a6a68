package dispatch

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	matchInputImage    = "match_input_image"
	defaultAspectRatio = "1:1"
)

// Models that accept aspect_ratio=match_input_image.
var matchInputImageModels = []string{
	"flux-kontext-pro",
	"flux-kontext-max",
	"flux-2-pro",
	"flux-2-dev",
	"flux-2-flex",
	"seedream-4",
	"nano-banana",
	"qwen-image-edit",
	"gpt-image",
}

// Models that reject the sentinel; the provider default applies instead.
var noMatchInputImageModels = []string{
	"flux-schnell",
	"flux-dev",
	"flux-1.1-pro",
	"flux-pro",
	"ideogram",
	"recraft",
	"imagen",
	"seedream-3",
	"stable-diffusion",
	"sdxl",
	"kling",
	"hailuo",
	"minimax",
	"veo",
}

// Fields whose presence means a reference image was supplied.
var referenceImageFields = []string{
	"image",
	"input_image",
	"image_input",
	"input_images",
	"image_url",
	"start_image",
	"first_frame_image",
	"reference_image",
	"reference_images",
	"init_image",
	"image_prompt",
}

var urlFields = map[string]bool{
	"image":             true,
	"input_image":       true,
	"image_url":         true,
	"mask":              true,
	"start_image":       true,
	"end_image":         true,
	"first_frame_image": true,
	"last_frame_image":  true,
	"reference_image":   true,
	"init_image":        true,
	"image_prompt":      true,
	"style_image":       true,
	"control_image":     true,
	"video":             true,
	"input_video":       true,
	"audio":             true,
	"input_audio":       true,
}

var urlListFields = map[string]bool{
	"image_input":      true,
	"input_images":     true,
	"reference_images": true,
}

// numericFields are coerced from strings; the true ones are also rounded to integers.
var numericFields = map[string]bool{
	"seed":                true,
	"width":               true,
	"height":              true,
	"num_outputs":         true,
	"num_frames":          true,
	"num_inference_steps": true,
	"steps":               true,
	"max_images":          true,
	"output_quality":      true,
	"jpeg_quality":        true,
	"output_compression":  true,
	"compression":         true,
	"safety_tolerance":    true,
	"duration":            false,
	"fps":                 false,
	"guidance":            false,
	"guidance_scale":      false,
	"cfg_scale":           false,
	"prompt_strength":     false,
	"strength":            false,
	"lora_scale":          false,
	"threshold":           false,
	"mask_threshold":      false,
}

var geometryFields = []string{"canvas_size", "orig_size", "orig_location"}

type durationRule struct {
	families []string
	clamp    func(float64) float64
}

// First matching family wins.
var durationRules = []durationRule{
	{[]string{"kling"}, func(d float64) float64 {
		if d > 7 {
			return 10
		}
		return 5
	}},
	{[]string{"veo"}, snapTo(4, 6, 8)},
	{[]string{"hailuo", "minimax"}, func(d float64) float64 {
		if d > 6 {
			return 10
		}
		return 6
	}},
	{[]string{"seedance"}, between(2, 12)},
	{[]string{"pixverse"}, snapTo(5, 8)},
}

// Clean returns a normalized copy of input ready to send for modelName.
// input is never modified. Clean does no I/O and Clean(Clean(x)) == Clean(x).
func Clean(input map[string]any, modelName string) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	model := strings.ToLower(modelName)

	for field := range urlFields {
		if v, ok := out[field]; ok && !isEmpty(v) {
			if s, isStr := v.(string); !isStr || !validMediaURL(s) {
				delete(out, field)
			}
		}
	}
	for field := range urlListFields {
		if v, ok := out[field]; ok && !isEmpty(v) {
			if urls := validMediaURLs(v); len(urls) > 0 {
				out[field] = urls
			} else {
				delete(out, field)
			}
		}
	}

	if ar, ok := out["aspect_ratio"].(string); ok && ar == matchInputImage {
		switch {
		case !hasReferenceImage(out):
			out["aspect_ratio"] = defaultAspectRatio
		case containsAny(model, matchInputImageModels):
			// sent as is
		case containsAny(model, noMatchInputImageModels):
			delete(out, "aspect_ratio")
		}
	}

	for field, integer := range numericFields {
		v, ok := out[field]
		if !ok {
			continue
		}
		n, ok := toNumber(v)
		if !ok {
			continue
		}
		if integer {
			n = math.Round(n)
		}
		out[field] = n
	}

	if d, ok := out["duration"].(float64); ok {
		for _, rule := range durationRules {
			if containsAny(model, rule.families) {
				out["duration"] = rule.clamp(d)
				break
			}
		}
	}

	for _, field := range geometryFields {
		v, ok := out[field]
		if !ok || isEmpty(v) {
			continue
		}
		if pair, ok := toPair(v); ok {
			out[field] = pair
		} else {
			delete(out, field)
		}
	}

	for k, v := range out {
		if isEmpty(v) {
			delete(out, k)
		}
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func hasReferenceImage(m map[string]any) bool {
	for _, field := range referenceImageFields {
		switch v := m[field].(type) {
		case string:
			if v != "" {
				return true
			}
		case []string:
			if len(v) > 0 {
				return true
			}
		case []any:
			if len(v) > 0 {
				return true
			}
		}
	}
	return false
}

// validMediaURL accepts inline data URIs and absolute http(s) URLs.
func validMediaURL(s string) bool {
	if strings.HasPrefix(strings.ToLower(s), "data:") {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validMediaURLs(v any) []string {
	var items []any
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			items = append(items, s)
		}
	case []any:
		items = list
	case string:
		items = []any{list}
	default:
		return nil
	}

	var urls []string
	for _, item := range items {
		if s, ok := item.(string); ok && validMediaURL(s) {
			urls = append(urls, s)
		}
	}
	return urls
}

// toNumber converts numbers and numeric strings to float64. Strings that do
// not parse, and non-finite values, are reported as not numeric.
func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toPair normalizes a two-element numeric array given literally or as JSON text.
func toPair(v any) ([]float64, bool) {
	var items []any
	switch t := v.(type) {
	case string:
		if err := json.Unmarshal([]byte(t), &items); err != nil {
			return nil, false
		}
	case []any:
		items = t
	case []float64:
		for _, f := range t {
			items = append(items, f)
		}
	case []int:
		for _, i := range t {
			items = append(items, i)
		}
	default:
		return nil, false
	}

	if len(items) != 2 {
		return nil, false
	}
	pair := make([]float64, 0, 2)
	for _, item := range items {
		if _, isStr := item.(string); isStr {
			return nil, false
		}
		n, ok := toNumber(item)
		if !ok {
			return nil, false
		}
		pair = append(pair, n)
	}
	return pair, true
}

func snapTo(allowed ...float64) func(float64) float64 {
	return func(d float64) float64 {
		best := allowed[0]
		for _, a := range allowed[1:] {
			if math.Abs(d-a) <= math.Abs(d-best) {
				best = a
			}
		}
		return best
	}
}

func between(lo, hi float64) func(float64) float64 {
	return func(d float64) float64 {
		return math.Max(lo, math.Min(hi, math.Round(d)))
	}
}
