package vm

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("conductor.vm")
