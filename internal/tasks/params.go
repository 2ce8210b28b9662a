package tasks

func f(v float64) *float64 { return &v }

// Shipped parameter schemas. Schedule editors fetch these to render forms;
// the "source" field tells the UI which API to populate array options from.

var StreamProbeParams = []Parameter{
	{
		Name: "auto_sync_groups", Type: "boolean", Label: "Auto-sync groups",
		Description: "Automatically probe all current groups at runtime (ignores group selection below)",
		Default:     false,
	},
	{
		Name: "channel_groups", Type: "number_array", Label: "Channel Groups",
		Description: "Which channel groups to include in the probe",
		Default:     []int64{}, Source: "channel_groups",
	},
	{
		Name: "batch_size", Type: "number", Label: "Batch Size",
		Description: "Number of streams to probe per batch",
		Default:     10, Min: f(1), Max: f(100),
	},
	{
		Name: "timeout", Type: "number", Label: "Timeout (seconds)",
		Description: "Timeout per stream probe in seconds",
		Default:     30, Min: f(5), Max: f(300),
	},
	{
		Name: "max_concurrent", Type: "number", Label: "Max Concurrent",
		Description: "Maximum concurrent probe operations",
		Default:     3, Min: f(1), Max: f(20),
	},
}

var M3URefreshParams = []Parameter{
	{
		Name: "account_ids", Type: "number_array", Label: "M3U Accounts",
		Description: "Which M3U accounts to refresh (empty = all accounts)",
		Default:     []int64{}, Source: "m3u_accounts",
	},
}

var EPGRefreshParams = []Parameter{
	{
		Name: "source_ids", Type: "number_array", Label: "EPG Sources",
		Description: "Which EPG sources to refresh (empty = all sources)",
		Default:     []int64{}, Source: "epg_sources",
	},
}

var CleanupParams = []Parameter{
	{
		Name: "retention_days", Type: "number", Label: "Retention Days",
		Description: "Keep data for this many days (0 = use default)",
		Default:     0, Min: f(0), Max: f(365),
	},
}
