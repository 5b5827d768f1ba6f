package script

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"netscript/session"
)

// kindByName maps lower-cased canonical identifiers to step kinds.
var kindByName = func() map[string]Kind {
	all := []Kind{
		KindWaitClients, KindSpawnServer, KindSpawnClient, KindSpawnAllClients,
		KindWait, KindVerifyBeacons, KindVerifyDespawned, KindVerifyCount,
		KindSceneChange, KindWaitDespawn, KindHumanAction, KindWaitClient, KindLog,
	}
	m := make(map[string]Kind, len(all))
	for _, k := range all {
		m[strings.ToLower(string(k))] = k
	}
	return m
}()

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// metadata line prefixes
const (
	prefixName           = "name:"
	prefixDescription    = "description:"
	prefixRequireClients = "require_clients:"
	prefixDespawnWait    = "despawn_wait:"
	prefixPreCondition   = "pre_condition:"
)

// Canonical converts a snake_case or kebab-case command to its canonical
// identifier, e.g. "wait_clients" -> "WaitClients", "scene-change" ->
// "SceneChange".
func Canonical(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool { return r == '_' || r == '-' })
	var b strings.Builder
	for _, part := range parts {
		r, size := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(strings.ToLower(part[size:]))
	}
	return b.String()
}

// LookupKind returns the step kind for a command as written in a script.
func LookupKind(command string) (Kind, bool) {
	k, ok := kindByName[strings.ToLower(Canonical(strings.TrimSpace(command)))]
	return k, ok
}

// ParseFile reads and parses the script at path.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read script %s", path)
	}
	return Parse(string(data)), nil
}

// rawStep is a step line whose parameters are resolved once all metadata is
// known.
type rawStep struct {
	line   int
	kind   Kind
	params string
}

// Parse converts script text into a Script. It never fails: malformed lines
// are skipped and reported in Script.Warnings.
func Parse(content string) *Script {
	p := &parser{
		script: &Script{
			Metadata: Metadata{
				Name:           DefaultName,
				RequireClients: DefaultRequireClients,
				DespawnWait:    DefaultDespawnWait,
			},
		},
	}

	lines := strings.Split(lineEndings.Replace(content), "\n")
	var raw []rawStep
	for i, rawLine := range lines {
		lineNumber := i + 1
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if p.metadata(lineNumber, line) {
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			p.warnf(lineNumber, "invalid step format (missing colon): %s", line)
			continue
		}
		command := strings.TrimSpace(line[:colon])
		kind, ok := LookupKind(command)
		if !ok {
			p.warnf(lineNumber, "unknown command '%s' (tried '%s')", command, Canonical(command))
			continue
		}
		raw = append(raw, rawStep{line: lineNumber, kind: kind, params: strings.TrimSpace(line[colon+1:])})
	}

	for _, r := range raw {
		p.script.Steps = append(p.script.Steps, p.step(r))
	}
	return p.script
}

type parser struct {
	script *Script
}

func (p *parser) warnf(line int, format string, args ...interface{}) {
	p.script.Warnings = append(p.script.Warnings, Warning{Line: line, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) metadata(line int, text string) bool {
	md := &p.script.Metadata
	switch {
	case strings.HasPrefix(text, prefixName):
		md.Name = strings.TrimSpace(text[len(prefixName):])
	case strings.HasPrefix(text, prefixDescription):
		md.Description = strings.TrimSpace(text[len(prefixDescription):])
	case strings.HasPrefix(text, prefixRequireClients):
		value := strings.TrimSpace(text[len(prefixRequireClients):])
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			md.RequireClients = n
		} else {
			p.warnf(line, "require_clients: invalid value %q, keeping %d", value, md.RequireClients)
		}
	case strings.HasPrefix(text, prefixDespawnWait):
		value := strings.TrimSpace(text[len(prefixDespawnWait):])
		if d, ok := parseSeconds(value); ok {
			md.DespawnWait = d
		} else {
			p.warnf(line, "despawn_wait: invalid value %q, keeping %gs", value, md.DespawnWait.Seconds())
		}
	case strings.HasPrefix(text, prefixPreCondition):
		md.PreCondition = strings.TrimSpace(text[len(prefixPreCondition):])
	default:
		return false
	}
	return true
}

func (p *parser) step(r rawStep) Step {
	pos := Pos{SourceLine: r.line}
	switch r.kind {
	case KindWaitClients:
		return WaitForClients{Pos: pos, Count: p.count(r, "count", r.params, p.script.RequireClients)}
	case KindSpawnServer:
		return SpawnOnServer{Pos: pos, Count: p.count(r, "count", r.params, 1)}
	case KindSpawnClient:
		return p.spawnClient(pos, r)
	case KindSpawnAllClients:
		return SpawnOnAllClients{Pos: pos, Count: p.count(r, "count", r.params, 1)}
	case KindWait:
		return Wait{Pos: pos, Duration: p.seconds(r, r.params, time.Second)}
	case KindVerifyBeacons:
		return VerifySpawned{Pos: pos, Selector: p.selector(r)}
	case KindVerifyDespawned:
		return VerifyDespawned{Pos: pos, Selector: p.selector(r)}
	case KindVerifyCount:
		return VerifyCount{Pos: pos, Expected: p.count(r, "expected", r.params, 0)}
	case KindSceneChange:
		if r.params == "" {
			p.warnf(r.line, "scene_change: missing scene name")
		}
		return ChangeScene{Pos: pos, Scene: r.params}
	case KindWaitDespawn:
		return WaitForNaturalDespawn{Pos: pos, Duration: p.seconds(r, r.params, p.script.DespawnWait)}
	case KindHumanAction:
		return HumanAction{Pos: pos, Instruction: r.params}
	case KindWaitClient:
		return WaitForSpecificClient{Pos: pos, Client: p.peer(r, "client", r.params, 0)}
	default:
		return Log{Pos: pos, Message: r.params}
	}
}

// spawnClient parses "1, count=2", "1" or "client=1, count=2".
func (p *parser) spawnClient(pos Pos, r rawStep) Step {
	step := SpawnOnClient{Pos: pos, Client: 1, Count: 1}
	for i, part := range strings.Split(r.params, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, isPair := strings.Cut(part, "=")
		if !isPair {
			if i == 0 {
				step.Client = p.peer(r, "client", part, 1)
				continue
			}
			p.warnf(r.line, "%s: ignoring parameter %q", r.kind, part)
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "client":
			step.Client = p.peer(r, "client", value, 1)
		case "count":
			step.Count = p.count(r, "count", value, 1)
		default:
			p.warnf(r.line, "%s: unknown parameter %q", r.kind, key)
		}
	}
	return step
}

func (p *parser) count(r rawStep, name, value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		p.warnf(r.line, "%s: invalid %s %q, using %d", r.kind, name, value, def)
		return def
	}
	return n
}

func (p *parser) peer(r rawStep, name, value string, def session.PeerID) session.PeerID {
	if value == "" {
		return def
	}
	id, err := session.ParsePeerID(value)
	if err != nil {
		p.warnf(r.line, "%s: invalid %s %q, using %d", r.kind, name, value, def)
		return def
	}
	return id
}

func (p *parser) seconds(r rawStep, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, ok := parseSeconds(value)
	if !ok {
		p.warnf(r.line, "%s: invalid seconds %q, using %gs", r.kind, value, def.Seconds())
		return def
	}
	return d
}

func (p *parser) selector(r rawStep) Selector {
	if r.params == "" || strings.EqualFold(r.params, "all") {
		return AllObjects
	}
	var ids []session.ObjectID
	for _, part := range strings.Split(r.params, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := session.ParseObjectID(part)
		if err != nil {
			p.warnf(r.line, "%s: ignoring invalid beacon id %q", r.kind, strings.TrimSpace(part))
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		p.warnf(r.line, "%s: no valid beacon ids in %q, using all", r.kind, r.params)
		return AllObjects
	}
	return Selector{IDs: ids}
}

// maxSeconds is the longest wait a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

func parseSeconds(value string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f >= maxSeconds {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
