package sqlstore_test

import (
	"database/sql"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
)

var migrations = []string{
	`
	create table durable_history (
		instance_id            varchar(255) not null,
		execution_id           varchar(255) not null,
		sequence_number        bigint not null,
		event_type             int not null,
		event                  longblob not null,
		created_at             datetime(6) not null,

		primary key(instance_id, execution_id, sequence_number)
	)`,
	`
	create table durable_executions (
		id                 bigint not null auto_increment,
		instance_id        varchar(255) not null,
		execution_id       varchar(255) not null,
		etag               bigint not null,
		event_count        bigint not null,
		created_at         datetime(6) not null,
		checkpointed_at    datetime(6) not null,

		primary key (id),
		unique index by_instance_id_execution_id (instance_id, execution_id)
	)`,
	`
	create table durable_instances (
		instance_id        varchar(255) not null,
		execution_id       varchar(255) not null,
		name               varchar(255) not null,
		status             int not null,
		input              longblob not null,
		output             longblob not null,
		created_at         datetime(6) not null,
		updated_at         datetime(6) not null,

		primary key (instance_id),
		index by_status (status)
	)
`,
}

func ConnectForTesting(t *testing.T) *sql.DB {
	return truss.ConnectForTesting(t, migrations...)
}
