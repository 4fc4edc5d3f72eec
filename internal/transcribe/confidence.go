package transcribe

import (
	"math"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/tidwall/gjson"
)

// Evidence is the confidence information a backend attaches to a finished transcription. Confidence
// is a probability in [0, 1]; Logprobs are per-token log probabilities.
type Evidence struct {
	Confidence *float64
	Logprobs   []float64
}

var confidencePaths = []string{
	"confidence",
	"transcript.confidence",
	"segment.confidence",
	"delta.confidence",
	"data.confidence",
}

// evidenceFrom reads the documented evidence fields of a server event.
func evidenceFrom(evt gjson.Result) Evidence {
	var ev Evidence
	if c, ok := jsonwalk.Number(evt, confidencePaths...); ok {
		ev.Confidence = &c
	}
	for _, path := range []string{"logprobs", "transcript.logprobs"} {
		evt.Get(path).ForEach(func(_, entry gjson.Result) bool {
			if lp := entry.Get("logprob"); lp.Type == gjson.Number {
				ev.Logprobs = append(ev.Logprobs, lp.Num)
			} else if entry.Type == gjson.Number {
				ev.Logprobs = append(ev.Logprobs, entry.Num)
			}
			return true
		})
		if len(ev.Logprobs) > 0 {
			break
		}
	}
	return ev
}

// Score returns the confidence the evidence supports: the direct value if present, otherwise the mean
// token probability.
func (e Evidence) Score() (float64, bool) {
	if e.Confidence != nil {
		return clamp01(*e.Confidence), true
	}
	if len(e.Logprobs) == 0 {
		return 0, false
	}
	var sum float64
	for _, lp := range e.Logprobs {
		sum += math.Exp(lp)
	}
	return clamp01(sum / float64(len(e.Logprobs))), true
}

var signalWalker = jsonwalk.Walker{MaxDepth: 8}

// scanConfidence is a compatibility shim for backends that bury confidence somewhere else in the
// payload. It averages every numeric "confidence" member found at any depth and, failing that, the
// probabilities of every "logprob" member.
func scanConfidence(evt gjson.Result) (float64, bool) {
	var confs, probs []float64
	signalWalker.Walk(evt, func(_ string, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		if c := v.Get("confidence"); c.Type == gjson.Number {
			confs = append(confs, c.Num)
		}
		if lp := v.Get("logprob"); lp.Type == gjson.Number {
			probs = append(probs, math.Exp(lp.Num))
		}
		return true
	})

	switch {
	case len(confs) > 0:
		return clamp01(mean(confs)), true
	case len(probs) > 0:
		return clamp01(mean(probs)), true
	}
	return 0, false
}

// eventConfidence applies the evidence fields first, then the confidence carried by earlier deltas of
// the same item, then the recursive scan.
func eventConfidence(evt gjson.Result, buffered *float64) (float64, bool) {
	if c, ok := evidenceFrom(evt).Score(); ok {
		return c, true
	}
	if buffered != nil {
		return clamp01(*buffered), true
	}
	return scanConfidence(evt)
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
