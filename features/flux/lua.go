package flux

import "fmt"

// listHandlersLua enumerates the process handlers as {name, type} records,
// where type is the Lua type of the handler's match pattern.
const listHandlersLua = `
local handlers = Handlers.list
local result = {}
for i, handler in ipairs(handlers) do
  table.insert(result, {
    name = handler.name,
    type = type(handler.pattern),
  })
end
return result
`

// sqliteBootstrap binds an in-memory lsqlite3 database to the Db global. An
// existing Db is kept so state accumulates across handler definitions.
const sqliteBootstrap = "local sqlite = require('lsqlite3')\nDb = Db or sqlite.open_memory()\n"

// installSnippet invokes the package manager. Names are restricted by the
// tool schema to characters that need no escaping.
func installSnippet(pkg string) string {
	return fmt.Sprintf("apm.install(%q)", pkg)
}

func statefulHandlerCode(handlerCode string) string {
	return sqliteBootstrap + handlerCode
}
