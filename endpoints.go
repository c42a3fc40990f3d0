package capi

import "github.com/qcloud-go/capi/internal/signing"

const (
	// Endpoint defaults
	DefaultBaseHost  = signing.DefaultBaseHost
	DefaultPath      = signing.DefaultPath
	DefaultMethod    = signing.DefaultMethod
	DefaultProtocol  = signing.DefaultProtocol
	DefaultClientTag = signing.DefaultClientTag

	// Service prefixes, joined to the base host as "<service>.api.qcloud.com"
	ServiceCVM     = "cvm"
	ServiceCDB     = "cdb"
	ServiceLB      = "lb"
	ServiceVPC     = "vpc"
	ServiceCBS     = "cbs"
	ServiceSCF     = "scf"
	ServiceAccount = "account"
	ServiceMonitor = "monitor"
	ServiceTrade   = "trade"
)
