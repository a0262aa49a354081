package analysis

var TagTable = NewTable(
	Entry{"exploit", []string{"exploit", "attack", "hack"}},
	Entry{"vulnerability", []string{"vulnerability", "bug", "flaw"}},
	Entry{"defi", []string{"defi", "decentralized finance"}},
	Entry{"smart_contract", []string{"smart contract", "contract"}},
	Entry{"flash_loan", []string{"flash loan", "flashloan"}},
	Entry{"rug_pull", []string{"rug pull", "rugpull", "exit scam"}},
	Entry{"governance", []string{"governance", "voting", "proposal"}},
	Entry{"oracle", []string{"oracle", "price feed"}},
	Entry{"bridge", []string{"bridge", "cross-chain"}},
	Entry{"token", []string{"token", "cryptocurrency", "crypto"}},
)

// Tags returns every tag whose trigger keywords occur in the title or body.
func Tags(title, body string) []string {
	return ClassifyAll(title+" "+body, TagTable)
}

// RektAttackVectors classifies incident post-mortems.
var RektAttackVectors = NewTable(
	Entry{"flash_loan", []string{"flash loan", "flashloan"}},
	Entry{"reentrancy", []string{"reentrancy", "re-entrancy"}},
	Entry{"oracle_manipulation", []string{"oracle", "price manipulation"}},
	Entry{"governance_attack", []string{"governance", "voting"}},
	Entry{"smart_contract_bug", []string{"bug", "vulnerability", "exploit"}},
	Entry{"rug_pull", []string{"rug pull", "exit scam"}},
	Entry{"bridge_exploit", []string{"bridge", "cross-chain"}},
	Entry{"front_running", []string{"front running", "mev"}},
)

// IncidentAttackTypes classifies analytical reports.
var IncidentAttackTypes = NewTable(
	Entry{"phishing", []string{"phishing", "social engineering"}},
	Entry{"smart_contract_exploit", []string{"smart contract", "code exploit", "vulnerability"}},
	Entry{"flash_loan_attack", []string{"flash loan", "flashloan"}},
	Entry{"governance_attack", []string{"governance", "voting manipulation"}},
	Entry{"bridge_exploit", []string{"bridge", "cross-chain attack"}},
	Entry{"rug_pull", []string{"rug pull", "exit scam"}},
	Entry{"oracle_manipulation", []string{"oracle", "price manipulation"}},
	Entry{"exchange_hack", []string{"exchange hack", "centralized exchange"}},
)

// Chain tables match whole words so tickers like "sol" do not fire inside
// ordinary words. Tickers that are English words on their own ("one", "near")
// are left out. Labels are canonical network names.
var RektChains = NewWordTable(
	Entry{"Ethereum", []string{"ethereum", "eth"}},
	Entry{"Polygon", []string{"polygon", "matic"}},
	Entry{"Binance Smart Chain", []string{"bsc", "binance smart chain"}},
	Entry{"Avalanche", []string{"avalanche", "avax"}},
	Entry{"Fantom", []string{"fantom", "ftm"}},
	Entry{"Arbitrum", []string{"arbitrum"}},
	Entry{"Optimism", []string{"optimism"}},
	Entry{"Solana", []string{"solana", "sol"}},
	Entry{"Terra", []string{"terra", "luna"}},
	Entry{"Harmony", []string{"harmony"}},
)

var AnalyticalChains = NewWordTable(
	Entry{"Ethereum", []string{"ethereum"}},
	Entry{"Bitcoin", []string{"bitcoin"}},
	Entry{"Polygon", []string{"polygon"}},
	Entry{"Binance Smart Chain", []string{"binance smart chain", "bsc"}},
	Entry{"Avalanche", []string{"avalanche"}},
	Entry{"Fantom", []string{"fantom"}},
	Entry{"Arbitrum", []string{"arbitrum"}},
	Entry{"Optimism", []string{"optimism"}},
	Entry{"Solana", []string{"solana"}},
	Entry{"Cardano", []string{"cardano"}},
	Entry{"Polkadot", []string{"polkadot"}},
	Entry{"Cosmos", []string{"cosmos"}},
	Entry{"Terra", []string{"terra"}},
	Entry{"Harmony", []string{"harmony"}},
	Entry{"Near", []string{"near protocol"}},
	Entry{"Algorand", []string{"algorand"}},
	Entry{"Tezos", []string{"tezos"}},
)

var AnalysisTypes = NewTable(
	Entry{"trend_analysis", []string{"trend", "patterns", "analysis over time"}},
	Entry{"incident_analysis", []string{"incident", "hack analysis", "post-mortem"}},
	Entry{"market_analysis", []string{"market", "trading", "volume"}},
	Entry{"technical_analysis", []string{"technical", "blockchain analysis", "on-chain"}},
	Entry{"regulatory_analysis", []string{"regulation", "compliance", "legal"}},
	Entry{"threat_intelligence", []string{"threat", "security", "risk assessment"}},
)

var GeoTable = NewWordTable(
	Entry{"United States", []string{"united states", "usa"}},
	Entry{"America", []string{"america"}},
	Entry{"North America", []string{"north america"}},
	Entry{"Europe", []string{"europe", "european", "eu"}},
	Entry{"Asia", []string{"asia"}},
	Entry{"China", []string{"china"}},
	Entry{"Japan", []string{"japan"}},
	Entry{"South Korea", []string{"south korea"}},
	Entry{"India", []string{"india"}},
	Entry{"Russia", []string{"russia"}},
	Entry{"Africa", []string{"africa"}},
	Entry{"Global", []string{"global", "worldwide", "international"}},
)

var severityKeywordTable = NewTable(
	Entry{"critical", []string{"critical", "emergency", "immediate", "urgent"}},
	Entry{"high", []string{"major", "significant", "substantial", "severe"}},
	Entry{"exploit", []string{"exploit", "attack", "hack", "breach"}},
	Entry{"financial", []string{"million", "billion", "lost", "stolen", "drained"}},
	Entry{"technical", []string{"vulnerability", "bug", "flaw", "code"}},
)

var postMortemKeywords = []string{
	"post-mortem", "postmortem", "analysis", "detailed breakdown",
	"technical analysis", "how it happened",
}
