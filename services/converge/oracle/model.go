// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// -----------------------------------------------------------------------------
// Model Interface
// -----------------------------------------------------------------------------

// Model scores a feature vector against the category set.
//
// Implementations must be deterministic: identical vectors yield
// identical (category, confidence) pairs, including under concurrent
// calls. Randomized or time-seeded inference is a session-fatal defect
// upstream, so none is permitted here.
type Model interface {
	// Classify returns the winning category and a confidence in [0, 1].
	Classify(vec []float64) (category string, confidence float64, err error)

	// Categories returns the category labels in sorted order.
	Categories() []string
}

// Example is one labeled training observation.
type Example struct {
	// Diagnostic is the raw observation.
	Diagnostic diag.Diagnostic

	// Category is the assigned taxonomy leaf.
	Category string
}

// -----------------------------------------------------------------------------
// Nearest-Centroid Model
// -----------------------------------------------------------------------------

// defaultTemperature scales similarities before the softmax. Lower
// values sharpen confidence; 0.1 puts a clean one-hot match near 1.0
// and an ambiguous vector near uniform.
const defaultTemperature = 0.1

// Centroids is a nearest-centroid classifier with softmax confidence.
//
// Classification iterates categories in sorted order, so summation
// order and tie-breaks are fixed. On an exact similarity tie the
// lexicographically smallest category wins.
//
// Thread Safety: Safe for concurrent use (immutable after training).
type Centroids struct {
	width       int
	categories  []string
	means       map[string][]float64
	temperature float64
}

// TrainCentroids fits one centroid per observed category.
//
// Inputs:
//   - ex: Extractor defining the vector layout.
//   - examples: Labeled observations. Must be non-empty.
//
// Outputs:
//   - *Centroids: The fitted model.
//   - error: If examples are empty or name an unlabeled category.
func TrainCentroids(ex *FeatureExtractor, examples []Example) (*Centroids, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("train: no examples")
	}

	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for i, eg := range examples {
		if eg.Category == "" {
			return nil, fmt.Errorf("train: example %d has no category", i)
		}
		vec := ex.Extract(eg.Diagnostic)
		if _, ok := sums[eg.Category]; !ok {
			sums[eg.Category] = make([]float64, len(vec))
		}
		for j, v := range vec {
			sums[eg.Category][j] += v
		}
		counts[eg.Category]++
	}

	categories := make([]string, 0, len(sums))
	for cat := range sums {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	means := make(map[string][]float64, len(sums))
	for cat, sum := range sums {
		mean := make([]float64, len(sum))
		n := float64(counts[cat])
		for j, v := range sum {
			mean[j] = v / n
		}
		means[cat] = mean
	}

	return &Centroids{
		width:       ex.Width(),
		categories:  categories,
		means:       means,
		temperature: defaultTemperature,
	}, nil
}

// Classify implements Model.
func (c *Centroids) Classify(vec []float64) (string, float64, error) {
	if len(vec) != c.width {
		return "", 0, fmt.Errorf("classify: vector width %d, model expects %d", len(vec), c.width)
	}
	if len(c.categories) == 0 {
		return "", 0, fmt.Errorf("classify: model has no categories")
	}

	sims := make([]float64, len(c.categories))
	for i, cat := range c.categories {
		sims[i] = cosine(vec, c.means[cat])
	}

	// Softmax over similarities. Subtracting the max keeps the
	// exponentials in range without changing the distribution.
	maxSim := sims[0]
	for _, s := range sims[1:] {
		if s > maxSim {
			maxSim = s
		}
	}
	var total float64
	probs := make([]float64, len(sims))
	for i, s := range sims {
		probs[i] = math.Exp((s - maxSim) / c.temperature)
		total += probs[i]
	}

	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return c.categories[best], probs[best] / total, nil
}

// Categories implements Model.
func (c *Centroids) Categories() []string {
	out := make([]string, len(c.categories))
	copy(out, c.categories)
	return out
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// -----------------------------------------------------------------------------
// Seed Model
// -----------------------------------------------------------------------------

// seedMessages holds one representative compiler message per known
// code, giving the cold-start model a keyword signal alongside the
// one-hot code block.
var seedMessages = map[string]string{
	"E0061":              "this function takes arguments but arguments were supplied",
	"E0106":              "missing lifetime specifier",
	"E0271":              "type mismatch resolving expected found",
	"E0277":              "the trait bound is not satisfied",
	"E0308":              "mismatched types expected found",
	"E0382":              "borrow of moved value",
	"E0412":              "cannot find type in this scope",
	"E0425":              "cannot find value in this scope",
	"E0432":              "unresolved import",
	"E0433":              "failed to resolve use of undeclared crate or module",
	"E0499":              "cannot borrow as mutable more than once at a time",
	"E0502":              "cannot borrow as mutable because it is also borrowed as immutable",
	"E0506":              "cannot assign to because it is borrowed",
	"E0507":              "cannot move out of which is behind a shared reference",
	"E0597":              "borrowed value does not live long enough",
	"E0599":              "no method named found for type in the current scope",
	"E0621":              "explicit lifetime required in the type of",
	diag.CodeSyntax:      "expected one of found malformed generated source",
	diag.CodeUnparseable: "compiler output could not be parsed",
}

// SeedModel builds the cold-start classifier from the taxonomy itself:
// one synthetic example per known code, labeled with the code's mapped
// category. Before any training data exists, classification reduces to
// the taxonomy's code map with high confidence, and unknown codes fall
// back on message keywords.
func SeedModel(reg *taxonomy.Registry, ex *FeatureExtractor) (*Centroids, error) {
	examples := make([]Example, 0, len(reg.KnownCodes()))
	for _, code := range reg.KnownCodes() {
		cat, ok := reg.ForCode(code)
		if !ok {
			continue
		}
		examples = append(examples, Example{
			Diagnostic: diag.Diagnostic{
				Code:    code,
				Level:   diag.LevelError,
				Message: seedMessages[code],
			},
			Category: cat.Name,
		})
	}
	return TrainCentroids(ex, examples)
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// modelFile is the on-disk model envelope. TaxonomyVersion and Width
// gate loading: a model trained against a different taxonomy layout is
// rejected rather than silently misclassifying.
type modelFile struct {
	TaxonomyVersion int                  `json:"taxonomy_version"`
	Width           int                  `json:"width"`
	Temperature     float64              `json:"temperature"`
	Means           map[string][]float64 `json:"means"`
}

// SaveModel writes the model atomically (temp file, then rename).
func SaveModel(path string, c *Centroids) error {
	data, err := json.MarshalIndent(modelFile{
		TaxonomyVersion: taxonomy.Version,
		Width:           c.width,
		Temperature:     c.temperature,
		Means:           c.means,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// LoadModel reads a saved model, rejecting taxonomy or width mismatches.
func LoadModel(path string, ex *FeatureExtractor) (*Centroids, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if mf.TaxonomyVersion != taxonomy.Version {
		return nil, fmt.Errorf("load model: taxonomy version %d, this build uses %d (retrain required)",
			mf.TaxonomyVersion, taxonomy.Version)
	}
	if mf.Width != ex.Width() {
		return nil, fmt.Errorf("load model: vector width %d, extractor produces %d (retrain required)",
			mf.Width, ex.Width())
	}

	categories := make([]string, 0, len(mf.Means))
	for cat, mean := range mf.Means {
		if len(mean) != mf.Width {
			return nil, fmt.Errorf("load model: centroid %q width %d, want %d", cat, len(mean), mf.Width)
		}
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	temp := mf.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return &Centroids{
		width:       mf.Width,
		categories:  categories,
		means:       mf.Means,
		temperature: temp,
	}, nil
}
