// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
)

// Logical layout per the storage contract: commits own the DAG, version
// chains key on (kind, id, branch, version), outbox shares the commit
// transaction boundary.
var ddl = []string{
	`create table if not exists commits(
		hash char(64) primary key,
		parents varchar(256) not null default '',
		tree_hash char(64) not null,
		author varchar(512) not null,
		committer varchar(512) not null,
		authored_at timestamp not null,
		message text not null,
		retired tinyint not null default 0
	)`,
	`create table if not exists contents(
		hash char(64) primary key,
		data mediumblob not null,
		size bigint not null
	)`,
	`create table if not exists resource_versions(
		resource_kind varchar(64) not null,
		resource_id varchar(256) not null,
		branch varchar(256) not null,
		version bigint not null,
		commit_hash char(64) not null,
		parent_version bigint not null default 0,
		content_hash char(64) not null,
		etag varchar(64) not null,
		size bigint not null default 0,
		change_type varchar(32) not null,
		summary varchar(1024) not null default '',
		fields_changed json null,
		author varchar(512) not null default '',
		created_at timestamp not null,
		primary key (resource_kind, resource_id, branch, version),
		index idx_rv_branch (branch, resource_kind, resource_id, version)
	)`,
	`create table if not exists version_deltas(
		resource_kind varchar(64) not null,
		resource_id varchar(256) not null,
		branch varchar(256) not null,
		from_version bigint not null,
		to_version bigint not null,
		delta_type varchar(32) not null,
		payload mediumblob not null,
		size bigint not null,
		created_at timestamp not null,
		primary key (resource_kind, resource_id, branch, from_version, to_version)
	)`,
	`create table if not exists branches(
		name varchar(256) primary key,
		head char(64) not null,
		state varchar(32) not null default 'ACTIVE',
		protected tinyint not null default 0,
		parent varchar(256) not null default '',
		created_at timestamp not null,
		updated_at timestamp not null
	)`,
	`create table if not exists branch_locks(
		id char(36) primary key,
		branch varchar(256) not null,
		lock_type varchar(32) not null,
		scope varchar(32) not null,
		holder varchar(256) not null,
		resource_kind varchar(64) not null default '',
		resource_id varchar(256) not null default '',
		acquired_at timestamp not null,
		expires_at timestamp not null,
		heartbeat_interval bigint not null default 0,
		last_heartbeat timestamp not null,
		sliding_ttl tinyint not null default 0,
		auto_release tinyint not null default 0,
		reason varchar(1024) not null default '',
		status varchar(256) not null default '',
		progress double not null default 0,
		acquisitions int not null default 1,
		index idx_locks_branch (branch)
	)`,
	`create table if not exists outbox(
		id bigint auto_increment primary key,
		branch varchar(256) not null,
		commit_hash char(64) not null,
		event_type varchar(64) not null,
		payload mediumblob not null,
		created_at timestamp(6) not null,
		attempts int not null default 0,
		status varchar(16) not null default 'PENDING',
		last_error varchar(2048) not null default '',
		index idx_outbox_pending (status, branch, created_at, id)
	)`,
	`create table if not exists outbox_dead(
		id bigint primary key,
		branch varchar(256) not null,
		commit_hash char(64) not null,
		event_type varchar(64) not null,
		payload mediumblob not null,
		created_at timestamp(6) not null,
		attempts int not null,
		last_error varchar(2048) not null default '',
		buried_at timestamp not null
	)`,
	`create table if not exists shadow_indexes(
		id char(36) primary key,
		branch varchar(256) not null,
		index_type varchar(64) not null,
		resource_kinds json null,
		state varchar(16) not null,
		progress double not null default 0,
		shadow_path varchar(1024) not null default '',
		current_path varchar(1024) not null default '',
		backup_path varchar(1024) not null default '',
		size_bytes bigint not null default 0,
		record_count bigint not null default 0,
		checksum char(64) not null default '',
		error varchar(2048) not null default '',
		created_at timestamp not null,
		updated_at timestamp not null,
		index idx_shadow_branch (branch, index_type, state)
	)`,
	`create table if not exists dlq(
		id bigint auto_increment primary key,
		source varchar(64) not null,
		payload mediumblob not null,
		error varchar(2048) not null,
		first_failed_at timestamp not null,
		attempts int not null default 1
	)`,
	`create table if not exists history_entries(
		event_id char(36) primary key,
		commit_hash char(64) not null,
		branch varchar(256) not null,
		operation varchar(64) not null,
		resource_kind varchar(64) not null default '',
		resource_id varchar(256) not null default '',
		version bigint not null default 0,
		changes json null,
		metadata json null,
		created_at timestamp not null,
		index idx_history_branch (branch, created_at)
	)`,
	`create table if not exists audit_logs(
		event_id char(36) primary key,
		action varchar(64) not null,
		actor varchar(256) not null,
		target varchar(512) not null,
		result varchar(32) not null,
		severity varchar(16) not null,
		compliance_tags json null,
		data_classification varchar(64) not null default '',
		created_at timestamp not null
	)`,
	`create table if not exists ingested_events(
		event_id char(36) primary key,
		expires_at timestamp not null,
		index idx_ingested_expiry (expires_at)
	)`,
}

func (d *database) Setup(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setup schema: %w", err)
		}
	}
	return nil
}
