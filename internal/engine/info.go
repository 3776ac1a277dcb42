package engine

import "time"

// Info describes the last transfer performed by an engine.
type Info struct {
	EffectiveURL      string
	ResponseCode      int
	HTTPVersion       string
	TotalTime         time.Duration
	NameLookupTime    time.Duration
	ConnectTime       time.Duration
	AppConnectTime    time.Duration
	StartTransferTime time.Duration
	PrimaryIP         string
	PrimaryPort       int
	SizeUpload        int64
	SizeDownload      int64
	HeaderSize        int64
	NumConnects       int
}

// Map renders the info with the key names handler statistics expose.
// Times are in seconds.
func (i Info) Map() map[string]any {
	return map[string]any{
		"url":                i.EffectiveURL,
		"http_code":          i.ResponseCode,
		"http_version":       i.HTTPVersion,
		"total_time":         i.TotalTime.Seconds(),
		"namelookup_time":    i.NameLookupTime.Seconds(),
		"connect_time":       i.ConnectTime.Seconds(),
		"appconnect_time":    i.AppConnectTime.Seconds(),
		"starttransfer_time": i.StartTransferTime.Seconds(),
		"primary_ip":         i.PrimaryIP,
		"primary_port":       i.PrimaryPort,
		"size_upload":        i.SizeUpload,
		"size_download":      i.SizeDownload,
		"header_size":        i.HeaderSize,
		"num_connects":       i.NumConnects,
	}
}
