package app

import (
	"io"

	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/modules/constant"
	"github.com/vk/blockflow/modules/env_vars"
	"github.com/vk/blockflow/modules/http_request"
	"github.com/vk/blockflow/modules/print"
	"github.com/vk/blockflow/modules/s3"
	"github.com/vk/blockflow/modules/socketio"
	"github.com/vk/blockflow/modules/text"
)

// coreModules is the definitive list of all modules that are compiled into
// the blockflow binary. print writes to outW.
func coreModules(outW io.Writer) []registry.Module {
	return []registry.Module{
		&constant.Module{},
		&env_vars.Module{},
		http_request.New(),
		&print.Module{Out: outW},
		&s3.Module{},
		&socketio.Module{},
		&text.Module{},
	}
}
