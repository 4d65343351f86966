package task

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Strob0t/StageForge/internal/domain"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeFull, false},
		{"full", ModeFull, false},
		{"code", ModeCode, false},
		{"test", ModeTest, false},
		{"deploy", "", true},
		{"FULL", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("ParseMode(%q): expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestModeStages(t *testing.T) {
	tests := []struct {
		mode Mode
		want []Stage
	}{
		{ModeFull, []Stage{StagePlanner, StageCoder, StageTester, StageDeployer}},
		{ModeCode, []Stage{StagePlanner, StageCoder}},
		{ModeTest, []Stage{StagePlanner, StageCoder, StageTester}},
	}
	for _, tt := range tests {
		if got := tt.mode.Stages(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s.Stages() = %v, want %v", tt.mode, got, tt.want)
		}
	}

	// The returned slice is a copy.
	s := ModeFull.Stages()
	s[0] = StageDeployer
	if ModeFull.Stages()[0] != StagePlanner {
		t.Fatal("Stages must not expose the shared order")
	}
}

func TestModeEnables(t *testing.T) {
	if ModeCode.Enables(StageTester) || ModeCode.Enables(StageDeployer) {
		t.Error("code mode must not enable tester or deployer")
	}
	if !ModeTest.Enables(StageTester) || ModeTest.Enables(StageDeployer) {
		t.Error("test mode enables tester only up to deployer")
	}
	if !ModeFull.Enables(StageDeployer) {
		t.Error("full mode enables deployer")
	}
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != allowed[[2]Status{from, to}] {
				t.Errorf("%s -> %s = %v", from, to, got)
			}
		}
	}
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() || StatusRunning.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}

func TestPreviousStatuses(t *testing.T) {
	tests := []struct {
		next Status
		want []Status
	}{
		{StatusRunning, []Status{StatusPending}},
		{StatusCompleted, []Status{StatusRunning}},
		{StatusFailed, []Status{StatusPending, StatusRunning}},
		{StatusPending, nil},
	}
	for _, tt := range tests {
		if got := PreviousStatuses(tt.next); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("PreviousStatuses(%s) = %v, want %v", tt.next, got, tt.want)
		}
	}
}

func TestCreateRequestTitle(t *testing.T) {
	short := CreateRequest{Description: "build a calculator"}
	if short.Title() != "build a calculator" {
		t.Errorf("short title = %q", short.Title())
	}

	long := CreateRequest{Description: strings.Repeat("é", 150)}
	title := long.Title()
	if n := len([]rune(title)); n != 100 {
		t.Fatalf("title has %d runes, want 100", n)
	}
	if !strings.HasPrefix(long.Description, title) {
		t.Error("title must be a prefix of the description")
	}
}
