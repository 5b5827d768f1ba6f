// Package script parses .gotest test scripts into an immutable step sequence.
//
// A script is line oriented:
//
//	# comment
//	name: Spawn and Scene Change Test
//	require_clients: 2
//	despawn_wait: 40
//
//	wait_clients: 2
//	spawn_server: 3
//	spawn_client: 1, count=2
//	wait: 2
//	verify_beacons: all
//	scene_change: ProjectileTest
package script

import (
	"fmt"
	"strings"
	"time"

	"netscript/session"
)

// Kind is the canonical identifier of a step type.
type Kind string

const (
	KindWaitClients     Kind = "WaitClients"
	KindSpawnServer     Kind = "SpawnServer"
	KindSpawnClient     Kind = "SpawnClient"
	KindSpawnAllClients Kind = "SpawnAllClients"
	KindWait            Kind = "Wait"
	KindVerifyBeacons   Kind = "VerifyBeacons"
	KindVerifyDespawned Kind = "VerifyDespawned"
	KindVerifyCount     Kind = "VerifyCount"
	KindSceneChange     Kind = "SceneChange"
	KindWaitDespawn     Kind = "WaitDespawn"
	KindHumanAction     Kind = "HumanAction"
	KindWaitClient      Kind = "WaitClient"
	KindLog             Kind = "Log"
)

// Defaults applied when metadata is absent or unparsable.
const (
	DefaultName           = "Unnamed Test"
	DefaultRequireClients = 2
	DefaultDespawnWait    = 40 * time.Second
)

// Metadata describes a script.
type Metadata struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	RequireClients int           `json:"require_clients"`
	DespawnWait    time.Duration `json:"despawn_wait"`
	PreCondition   string        `json:"pre_condition,omitempty"`
}

// Warning is a non-fatal problem found while parsing.
type Warning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Message)
}

// Script is a parsed test script.
type Script struct {
	Metadata
	Steps    []Step    `json:"-"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Step is one instruction of a script. The concrete types below are the only
// implementations.
type Step interface {
	Kind() Kind
	Line() int
	String() string
	isStep()
}

// Pos records where a step was declared.
type Pos struct {
	SourceLine int
}

// Line returns the 1-based source line.
func (p Pos) Line() int { return p.SourceLine }

func (Pos) isStep() {}

// Selector picks which object ids a verification step checks.
type Selector struct {
	All bool
	IDs []session.ObjectID
}

// AllObjects selects every tracked object.
var AllObjects = Selector{All: true}

func (s Selector) String() string {
	if s.All {
		return "all"
	}
	parts := make([]string, len(s.IDs))
	for i, id := range s.IDs {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

// WaitForClients blocks until Count client peers are connected.
type WaitForClients struct {
	Pos
	Count int
}

// SpawnOnServer spawns Count beacons owned by the server.
type SpawnOnServer struct {
	Pos
	Count int
}

// SpawnOnClient commands one client peer to spawn Count beacons.
type SpawnOnClient struct {
	Pos
	Client session.PeerID
	Count  int
}

// SpawnOnAllClients commands every connected client to spawn Count beacons.
type SpawnOnAllClients struct {
	Pos
	Count int
}

// Wait suspends unconditionally.
type Wait struct {
	Pos
	Duration time.Duration
}

// VerifySpawned asserts the selected objects exist.
type VerifySpawned struct {
	Pos
	Selector Selector
}

// VerifyDespawned asserts the selected objects no longer exist.
type VerifyDespawned struct {
	Pos
	Selector Selector
}

// VerifyCount asserts the number of live beacons.
type VerifyCount struct {
	Pos
	Expected int
}

// ChangeScene loads a scene and asserts tracked beacons were cleaned up.
type ChangeScene struct {
	Pos
	Scene string
}

// WaitForNaturalDespawn waits for beacon lifetimes to run out.
type WaitForNaturalDespawn struct {
	Pos
	Duration time.Duration
}

// HumanAction waits for an operator to acknowledge Instruction.
type HumanAction struct {
	Pos
	Instruction string
}

// WaitForSpecificClient blocks until Client is connected.
type WaitForSpecificClient struct {
	Pos
	Client session.PeerID
}

// Log writes Message to the run log.
type Log struct {
	Pos
	Message string
}

func (WaitForClients) Kind() Kind        { return KindWaitClients }
func (SpawnOnServer) Kind() Kind         { return KindSpawnServer }
func (SpawnOnClient) Kind() Kind         { return KindSpawnClient }
func (SpawnOnAllClients) Kind() Kind     { return KindSpawnAllClients }
func (Wait) Kind() Kind                  { return KindWait }
func (VerifySpawned) Kind() Kind         { return KindVerifyBeacons }
func (VerifyDespawned) Kind() Kind       { return KindVerifyDespawned }
func (VerifyCount) Kind() Kind           { return KindVerifyCount }
func (ChangeScene) Kind() Kind           { return KindSceneChange }
func (WaitForNaturalDespawn) Kind() Kind { return KindWaitDespawn }
func (HumanAction) Kind() Kind           { return KindHumanAction }
func (WaitForSpecificClient) Kind() Kind { return KindWaitClient }
func (Log) Kind() Kind                   { return KindLog }

func (s WaitForClients) String() string { return fmt.Sprintf("%s (count=%d)", s.Kind(), s.Count) }
func (s SpawnOnServer) String() string  { return fmt.Sprintf("%s (count=%d)", s.Kind(), s.Count) }
func (s SpawnOnClient) String() string {
	return fmt.Sprintf("%s (client=%d, count=%d)", s.Kind(), s.Client, s.Count)
}
func (s SpawnOnAllClients) String() string { return fmt.Sprintf("%s (count=%d)", s.Kind(), s.Count) }
func (s Wait) String() string              { return fmt.Sprintf("%s (seconds=%g)", s.Kind(), s.Duration.Seconds()) }
func (s VerifySpawned) String() string     { return fmt.Sprintf("%s (beacons=%s)", s.Kind(), s.Selector) }
func (s VerifyDespawned) String() string   { return fmt.Sprintf("%s (beacons=%s)", s.Kind(), s.Selector) }
func (s VerifyCount) String() string       { return fmt.Sprintf("%s (expected=%d)", s.Kind(), s.Expected) }
func (s ChangeScene) String() string       { return fmt.Sprintf("%s (scene=%s)", s.Kind(), s.Scene) }
func (s WaitForNaturalDespawn) String() string {
	return fmt.Sprintf("%s (seconds=%g)", s.Kind(), s.Duration.Seconds())
}
func (s HumanAction) String() string { return fmt.Sprintf("%s (instruction=%s)", s.Kind(), s.Instruction) }
func (s WaitForSpecificClient) String() string {
	return fmt.Sprintf("%s (client=%d)", s.Kind(), s.Client)
}
func (s Log) String() string { return fmt.Sprintf("%s (message=%s)", s.Kind(), s.Message) }

// String renders a human readable overview of the script.
func (s *Script) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test: %s\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, "  Description: %s\n", s.Description)
	}
	fmt.Fprintf(&b, "  Require Clients: %d\n", s.RequireClients)
	fmt.Fprintf(&b, "  Steps: %d\n", len(s.Steps))
	for _, step := range s.Steps {
		fmt.Fprintf(&b, "    - %s\n", step)
	}
	return b.String()
}

// PreTestConditions describes what an operator has to prepare before the
// script is started.
func (s *Script) PreTestConditions() string {
	if s.PreCondition != "" {
		return "PRE-TEST SETUP REQUIRED:\n" + s.PreCondition
	}
	if s.RequireClients > 0 {
		return fmt.Sprintf("Ready to start.\nTest will wait for %d client(s) to connect.", s.RequireClients)
	}
	return "Ready to start."
}
