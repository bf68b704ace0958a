package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAnalysis(t *testing.T) {
	a := parseAnalysis("[NEED_MORE_INFO] OSPF adjacency flaps, this is urgent. [NEED_DETAILED_DIAGNOSIS]")
	assert.True(t, a.NeedMoreInfo)
	assert.True(t, a.NeedDetailedDiagnosis)
	assert.Equal(t, "OSPF adjacency flaps, this is urgent.", a.Text)
	assert.Equal(t, "OSPF", a.Category)
	assert.Equal(t, "critical", a.Severity)

	plain := parseAnalysis("Printer is offline")
	assert.False(t, plain.NeedMoreInfo)
	assert.Equal(t, categoryOther, plain.Category)
	assert.Equal(t, "medium", plain.Severity)
}

func TestExtractCategory(t *testing.T) {
	cases := map[string]string{
		"bgp peer idle":                   "BGP",
		"IPsec tunnel down":               "VPN",
		"VLAN 20 missing on the trunk":    "Switching",
		"static route not installed":      "Routing",
		"ACL blocks ssh":                  "Security",
		"SFP shows no light":              "Hardware",
		"LDP labels missing on MPLS core": "MPLS",
	}
	for text, want := range cases {
		assert.Equal(t, want, extractCategory(text), text)
	}
}

func TestExtractSeverity(t *testing.T) {
	assert.Equal(t, "high", extractSeverity("Impact is high"))
	assert.Equal(t, "low", extractSeverity("low impact"))
	assert.Equal(t, "medium", extractSeverity("highway traffic"))
}

func TestExtractCommands(t *testing.T) {
	got := extractCommands("Run `show ip ospf neighbor`, then `ls` and `debug ip ospf adj`.")
	assert.Equal(t, []string{"show ip ospf neighbor", "debug ip ospf adj"}, got)
	assert.Empty(t, extractCommands("no commands here"))
}

func TestClarificationQuestions(t *testing.T) {
	qs := clarificationQuestions("Switching", "Arista")
	assert.Len(t, qs, len(baseQuestions)+3+1)
	assert.Contains(t, qs, "Could there be a loop?")
	assert.Equal(t, "Which device model and Arista software version are you running?", qs[len(qs)-1])

	assert.Equal(t, baseQuestions, clarificationQuestions(categoryOther, ""))
}

func TestSourcesFrom(t *testing.T) {
	src := sourcesFrom([]Passage{{Title: "a", Source: "kb/a"}, {Title: "b", Score: 0.5}})
	assert.Equal(t, "doc1", src[0].ID)
	assert.Equal(t, "doc2", src[1].ID)
	assert.Equal(t, 0.5, src[1].Score)
}

func TestCaseTitle(t *testing.T) {
	assert.Equal(t, "short", caseTitle("short"))
	got := []rune(caseTitle(strings.Repeat("é", 101)))
	assert.Len(t, got, 103)
}
