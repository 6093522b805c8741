package domain

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// Generator produces identifiers and codenames. It is injected rather than
// called as a package global so tests can use a seeded implementation and
// replay exact identifier sequences.
type Generator interface {
	NewID() uuid.UUID
	Codename() string
}

// Codename word lists. Deliberately impersonal; a codename must carry zero
// information about the client behind it.
var (
	codenameAdjectives = []string{
		"amber", "cobalt", "crimson", "gilded", "ivory", "obsidian",
		"quiet", "silver", "umbral", "velvet", "winter", "zenith",
	}
	codenameNouns = []string{
		"falcon", "harbor", "lantern", "meridian", "orchid", "pavilion",
		"quartz", "sextant", "sparrow", "summit", "tides", "vault",
	}
)

// RandomGenerator is the production Generator: random UUIDs and codenames.
type RandomGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomGenerator builds a Generator seeded from the given source value.
func NewRandomGenerator(seed int64) *RandomGenerator {
	return &RandomGenerator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *RandomGenerator) NewID() uuid.UUID { return uuid.New() }

func (g *RandomGenerator) Codename() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	adj := codenameAdjectives[g.rnd.Intn(len(codenameAdjectives))]
	noun := codenameNouns[g.rnd.Intn(len(codenameNouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, g.rnd.Intn(100))
}

// SeededGenerator emits a fully deterministic stream for tests: UUIDs and
// codenames are both derived from the seed, so runs are reproducible.
type SeededGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSeededGenerator(seed int64) *SeededGenerator {
	return &SeededGenerator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *SeededGenerator) NewID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b [16]byte
	g.rnd.Read(b[:])
	// Stamp version 4 / variant bits so the value round-trips uuid.Parse.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	id, _ := uuid.FromBytes(b[:])
	return id
}

func (g *SeededGenerator) Codename() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	adj := codenameAdjectives[g.rnd.Intn(len(codenameAdjectives))]
	noun := codenameNouns[g.rnd.Intn(len(codenameNouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, g.rnd.Intn(100))
}
