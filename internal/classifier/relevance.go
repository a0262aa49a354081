package classifier

import (
	"fmt"
	"strings"
)

var threatKeywords = []string{
	"hack", "exploit", "attack", "breach", "vulnerability", "drained",
	"stolen", "loss", "rug pull", "exit scam", "flash loan", "oracle",
	"smart contract", "security", "incident", "compromised", "malicious",
	"phishing", "private key", "admin key", "backdoor", "bug", "rekt",
	"drain", "manipulation", "sandwich", "mev", "front-run",
	"back-run", "slippage", "liquidation", "bad debt", "insolvency",
	"pause", "emergency", "halt", "freeze", "blacklist", "corrupted",
	"unable to withdraw", "funds trapped", "stuck", "locked",
}

// Confidence is tracked in tenths to keep the threshold comparison exact.
const (
	baseTenths      = 3
	maxKeywordTenth = 5
	titleBonus      = 2
	minTenths       = 4
)

// ThreatKeywordCount counts the distinct threat keywords present in text.
func ThreatKeywordCount(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, k := range threatKeywords {
		if strings.Contains(lower, k) {
			n++
		}
	}
	return n
}

// Relevance applies the relevance gate to a classified protocol.
func Relevance(title, body string, protocol *string) Result {
	if protocol == nil {
		return Result{Reason: "No specific protocol identified"}
	}

	count := ThreatKeywordCount(title + " " + body)

	tenths := baseTenths + min(count, maxKeywordTenth)
	if strings.Contains(strings.ToLower(title), strings.ToLower(*protocol)) {
		tenths += titleBonus
	}
	confidence := float64(tenths) / 10

	res := Result{
		Protocol:   protocol,
		Confidence: confidence,
	}

	switch {
	case count == 0:
		res.Reason = fmt.Sprintf("No threat indicators for %s", *protocol)
	case tenths < minTenths:
		res.Reason = fmt.Sprintf("Low threat relevance (score: %d, confidence: %.2f)", count, confidence)
	default:
		res.IsRelevant = true
		res.Reason = fmt.Sprintf("Protocol: %s, threat indicators: %d, confidence: %.2f", *protocol, count, confidence)
	}
	return res
}
