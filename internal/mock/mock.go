// Package mock fabricates agents for CI and demos. A mock agent is bound into
// the connection registry through a synthetic transport that, instead of
// writing to a network, synthesises a plausible PowerShell result and feeds it
// back through the same inbound pipeline real agents use. From the dispatcher
// upward a mock is indistinguishable from a real agent except for the is_mock
// flag surfaced in diagnostics.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// ResultSink receives synthesised results. Implemented by the gateway handler
// so mock replies travel the identical delivery path as real ones (correlator,
// history, event hub).
type ResultSink interface {
	HandleCommandResult(ctx context.Context, agentID string, res *protocol.ResultPayload)
}

// Profile declares one fabricated agent.
type Profile struct {
	ID       string
	Hostname string
	OS       string
	Version  string
	Status   string // "online" mocks are bound to the registry, others are store-only
	Tags     []string
}

// DefaultProfiles is the fleet seeded when mock mode is enabled.
var DefaultProfiles = []Profile{
	{ID: "mock-dc01", Hostname: "MOCK-DC01", OS: "Windows Server 2022", Version: "10.0.20348", Status: "online", Tags: []string{"mock", "domain-controller"}},
	{ID: "mock-ws02", Hostname: "MOCK-WS02", OS: "Windows 11 Pro", Version: "10.0.22631", Status: "online", Tags: []string{"mock", "workstation"}},
	{ID: "mock-sql03", Hostname: "MOCK-SQL03", OS: "Windows Server 2019", Version: "10.0.17763", Status: "online", Tags: []string{"mock", "database"}},
	{ID: "mock-off04", Hostname: "MOCK-OFF04", OS: "Windows 10 Pro", Version: "10.0.19045", Status: "offline", Tags: []string{"mock"}},
}

// Subsystem seeds and serves mock agents.
type Subsystem struct {
	reg    *registry.Registry
	agents repository.AgentRepository
	sink   ResultSink
	logger *zap.Logger
}

// New creates the mock subsystem. Call Seed once at startup when mock mode is
// enabled.
func New(reg *registry.Registry, agents repository.AgentRepository, sink ResultSink, logger *zap.Logger) *Subsystem {
	return &Subsystem{
		reg:    reg,
		agents: agents,
		sink:   sink,
		logger: logger.Named("mock"),
	}
}

// Seed persists the default profiles and binds the online ones to the
// registry through synthetic transports.
func (s *Subsystem) Seed(ctx context.Context) error {
	now := time.Now().UTC()

	for _, p := range DefaultProfiles {
		tags, _ := json.Marshal(p.Tags)
		lastSeen := now
		rec := &db.Agent{
			ID:         p.ID,
			Hostname:   p.Hostname,
			IP:         "127.0.0.1",
			OS:         p.OS,
			Version:    p.Version,
			Status:     p.Status,
			LastSeenAt: &lastSeen,
			Tags:       string(tags),
			SystemInfo: "{}",
		}
		if p.Status != "online" {
			stale := now.Add(-10 * time.Minute)
			rec.LastSeenAt = &stale
		}
		if err := s.agents.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("mock: seed %s: %w", p.ID, err)
		}

		if p.Status == "online" {
			t := &transport{agentID: p.ID, sink: s.sink, logger: s.logger}
			connID := s.reg.AttachMock(t)
			if _, err := s.reg.Bind(connID, p.ID); err != nil {
				return fmt.Errorf("mock: bind %s: %w", p.ID, err)
			}
		}
	}

	s.logger.Info("mock agents seeded", zap.Int("count", len(DefaultProfiles)))
	return nil
}

// transport is the synthetic write side of a mock session. Send never fails;
// command frames schedule a canned reply after a delay proportional to the
// command length, mimicking real execution latency.
type transport struct {
	agentID string
	sink    ResultSink
	logger  *zap.Logger
}

func (t *transport) Send(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypePowershellCommand, protocol.TypeCommand:
		var cmd protocol.CommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			return fmt.Errorf("mock: bad command payload: %w", err)
		}
		requestID := cmd.RequestID
		if requestID == "" {
			requestID = cmd.ID
		}
		go t.reply(requestID, cmd.Command)

	default:
		// welcome, system_info_request, terminal frames — nothing to emulate.
		t.logger.Debug("mock transport ignoring frame",
			zap.String("agent_id", t.agentID),
			zap.String("type", msg.Type),
		)
	}
	return nil
}

func (t *transport) Close() error { return nil }

// reply sleeps for the simulated execution time and then pushes a synthetic
// result through the shared inbound pipeline.
func (t *transport) reply(requestID, command string) {
	delay := 100*time.Millisecond + time.Duration(len(command))*2*time.Millisecond
	if delay > 2*time.Second {
		delay = 2 * time.Second
	}
	time.Sleep(delay)

	resp := Respond(command)
	out, _ := json.Marshal(resp.Output)

	t.sink.HandleCommandResult(context.Background(), t.agentID, &protocol.ResultPayload{
		RequestID:     requestID,
		Success:       resp.Success,
		Output:        out,
		Error:         resp.Error,
		ExitCode:      resp.ExitCode,
		ExecutionTime: delay.Seconds(),
		Timestamp:     time.Now().UTC(),
	})
}

// Result is a synthesised command outcome.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
}

// Respond selects a canned result by matching well-known command prefixes.
// Commands containing "error" or "fail" deterministically fail so test suites
// can exercise the failure path.
func Respond(command string) Result {
	lower := strings.ToLower(command)

	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		return Result{
			Success:  false,
			Error:    "The term is not recognized as the name of a cmdlet, function, script file, or operable program.",
			ExitCode: 1,
		}
	}

	for prefix, output := range cannedOutputs {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return Result{Success: true, Output: output}
		}
	}

	return Result{
		Success: true,
		Output:  fmt.Sprintf("Executed: %s", command),
	}
}

// cannedOutputs maps PowerShell cmdlet prefixes to plausible console output.
var cannedOutputs = map[string]string{
	"Get-Process": `Handles  NPM(K)    PM(K)      WS(K)     CPU(s)     Id  SI ProcessName
-------  ------    -----      -----     ------     --  -- -----------
    488      28    14620      32084       3.22   4512   1 explorer
    214      12     3044      12110       0.48   1288   0 svchost
    131       9     1820       8744       0.11   3360   1 powershell`,
	"Get-Service": `Status   Name               DisplayName
------   ----               -----------
Running  Dhcp               DHCP Client
Running  Dnscache           DNS Client
Stopped  Fax                Fax
Running  WinRM              Windows Remote Management (WS-Manag...`,
	"Get-EventLog": `   Index Time          EntryType   Source                 InstanceID Message
   ----- ----          ---------   ------                 ---------- -------
    9841 Jan 12 09:14  Information Service Control M...   1073748860 The Windows Update service entered the running state.
    9840 Jan 12 09:02  Warning     Microsoft-Windows...          134 NtpClient was unable to set a manual peer.`,
	"Test-Connection": `Source        Destination     IPV4Address      Bytes    Time(ms)
------        -----------     -----------      -----    --------
MOCK-HOST     8.8.8.8         8.8.8.8          32       11
MOCK-HOST     8.8.8.8         8.8.8.8          32       12`,
	"Get-Disk": `Number Friendly Name         Serial Number   HealthStatus  OperationalStatus  Total Size Partition
------ -------------         -------------   ------------  -----------------  ---------- ---------
0      Samsung SSD 980       S64ANS0T123456  Healthy       Online                 931 GB GPT`,
	"Get-ComputerInfo": `WindowsProductName        : Windows Server 2022 Standard
WindowsVersion            : 21H2
OsHardwareAbstractionLayer: 10.0.20348.1
CsNumberOfLogicalProcessors: 8
CsTotalPhysicalMemory     : 34359738368`,
	"Get-Date": time.Now().UTC().Format("Monday, January 2, 2006 3:04:05 PM"),
}
