package store

import (
	"github.com/nimburion/docrepo/pkg/store/dynamodb"
	"github.com/nimburion/docrepo/pkg/store/mongodb"
	"github.com/nimburion/docrepo/pkg/store/mysql"
	"github.com/nimburion/docrepo/pkg/store/postgres"
	"github.com/nimburion/docrepo/pkg/store/redis"
)

var (
	_ Adapter = (*postgres.PostgreSQLAdapter)(nil)
	_ Adapter = (*mysql.MySQLAdapter)(nil)
	_ Adapter = (*mongodb.Adapter)(nil)
	_ Adapter = (*dynamodb.Adapter)(nil)
	_ Adapter = (*redis.RedisAdapter)(nil)
)
