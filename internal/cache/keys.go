package cache

import (
	"strconv"
	"time"
)

// TTLs by data class.
const (
	SettingsTTL      = 7200 * time.Second
	FormFieldsTTL    = 3600 * time.Second
	FieldMappingsTTL = 3600 * time.Second
	StatsTTL         = 900 * time.Second
	NegativeTTL      = 900 * time.Second
)

// DefaultGroup is the group shared by every formsync cache key.
const DefaultGroup = "formsync"

const (
	SettingsPrefix      = "settings_"
	FormFieldsPrefix    = "form_fields_"
	FieldMappingsPrefix = "field_mappings_"
	StatsPrefix         = "stats_"

	QueueStatsKey  = StatsPrefix + "queue"
	LogStatsPrefix = StatsPrefix + "logs_"
)

func SettingsKey(integrationID string) string {
	return SettingsPrefix + integrationID
}

func FormFieldsKey(formID int64) string {
	return FormFieldsPrefix + strconv.FormatInt(formID, 10)
}

func FieldMappingsKey(formID int64, integrationID string) string {
	return FieldMappingsPrefix + strconv.FormatInt(formID, 10) + "_" + integrationID
}

// FormMappingsPrefix matches the mappings of one form across integrations.
func FormMappingsPrefix(formID int64) string {
	return FieldMappingsPrefix + strconv.FormatInt(formID, 10) + "_"
}

func LogStatsKey(filterHash string) string {
	return LogStatsPrefix + filterHash
}
