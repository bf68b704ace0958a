package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meikuraledutech/casegraph"
)

// Markers the model is instructed to emit.
const (
	markerNeedMoreInfo     = "[NEED_MORE_INFO]"
	markerDetailedDiagnose = "[NEED_DETAILED_DIAGNOSIS]"
)

const categoryOther = "Other"

// Analysis is the parsed first pass over a problem description.
type Analysis struct {
	Text                  string `json:"text"`
	NeedMoreInfo          bool   `json:"need_more_info"`
	NeedDetailedDiagnosis bool   `json:"need_detailed_diagnosis"`
	Category              string `json:"category"`
	Severity              string `json:"severity"`
}

// categories are tried in order; the first match wins.
var categories = []struct {
	name string
	re   *regexp.Regexp
}{
	{"OSPF", regexp.MustCompile(`(?i)\bospf\b`)},
	{"BGP", regexp.MustCompile(`(?i)\bbgp\b`)},
	{"MPLS", regexp.MustCompile(`(?i)\bmpls\b`)},
	{"VPN", regexp.MustCompile(`(?i)\b(vpn|ipsec|gre tunnel)\b`)},
	{"Switching", regexp.MustCompile(`(?i)\b(switch(ing)?|vlan|stp|spanning[- ]tree|trunk)\b`)},
	{"Routing", regexp.MustCompile(`(?i)\b(rout(e|es|ing)|static route|eigrp|is-is|rip)\b`)},
	{"Security", regexp.MustCompile(`(?i)\b(security|acl|firewall|aaa|802\.1x)\b`)},
	{"Hardware", regexp.MustCompile(`(?i)\b(hardware|power supply|fan|transceiver|sfp|line card)\b`)},
}

var (
	severityCritical = regexp.MustCompile(`(?i)\b(critical|urgent|emergency)\b`)
	severityHigh     = regexp.MustCompile(`(?i)\bhigh\b`)
	severityLow      = regexp.MustCompile(`(?i)\blow\b`)
	backtickSpan     = regexp.MustCompile("`([^`\n]+)`")
)

func parseAnalysis(text string) Analysis {
	a := Analysis{
		NeedMoreInfo:          strings.Contains(text, markerNeedMoreInfo),
		NeedDetailedDiagnosis: strings.Contains(text, markerDetailedDiagnose),
	}
	clean := strings.ReplaceAll(text, markerNeedMoreInfo, "")
	clean = strings.ReplaceAll(clean, markerDetailedDiagnose, "")
	a.Text = strings.TrimSpace(clean)
	a.Category = extractCategory(a.Text)
	a.Severity = extractSeverity(a.Text)
	return a
}

func extractCategory(text string) string {
	for _, c := range categories {
		if c.re.MatchString(text) {
			return c.name
		}
	}
	return categoryOther
}

func extractSeverity(text string) string {
	switch {
	case severityCritical.MatchString(text):
		return "critical"
	case severityHigh.MatchString(text):
		return "high"
	case severityLow.MatchString(text):
		return "low"
	}
	return "medium"
}

// extractCommands returns backtick-quoted spans longer than three
// characters, in order of appearance.
func extractCommands(text string) []string {
	out := []string{}
	for _, m := range backtickSpan.FindAllStringSubmatch(text, -1) {
		cmd := strings.TrimSpace(m[1])
		if len(cmd) > 3 {
			out = append(out, cmd)
		}
	}
	return out
}

var baseQuestions = []string{
	"What exactly happens when the problem occurs?",
	"When did the problem start?",
	"Are there related error logs or alarms?",
	"What does the topology look like and which devices are involved?",
}

var categoryQuestions = map[string][]string{
	"OSPF": {
		"What state are the OSPF neighbors in?",
		"Is the OSPF area configuration consistent on both sides?",
		"Do you see route flapping?",
	},
	"BGP": {
		"What state are the BGP peers in?",
		"Are the AS numbers configured correctly?",
		"Could routes be leaking?",
	},
	"VPN": {
		"Which VPN type is it (IPsec, MPLS VPN, ...)?",
		"Is the tunnel up?",
		"Is the authentication configuration correct?",
	},
	"Switching": {
		"Is the VLAN configuration correct?",
		"What state are the ports in?",
		"Could there be a loop?",
	},
}

func clarificationQuestions(category, vendor string) []string {
	qs := append([]string(nil), baseQuestions...)
	qs = append(qs, categoryQuestions[category]...)
	if vendor != "" {
		qs = append(qs, fmt.Sprintf("Which device model and %s software version are you running?", vendor))
	}
	return qs
}

func sourcesFrom(passages []Passage) []casegraph.Source {
	out := make([]casegraph.Source, 0, len(passages))
	for i, p := range passages {
		out = append(out, casegraph.Source{
			ID:     fmt.Sprintf("doc%d", i+1),
			Title:  p.Title,
			Source: p.Source,
			Score:  p.Score,
		})
	}
	return out
}
