package histories

type ListHistoryQuery struct {
	Year   *int   `query:"year" json:"year,omitempty" validate:"omitempty,min=2009,max=2100"`
	Limit  int    `query:"limit" json:"limit,omitempty" default:"10" validate:"min=1,max=100"`
	Offset int    `query:"offset" json:"offset,omitempty" validate:"min=0"`
	From   *int64 `query:"from" json:"from,omitempty" validate:"omitempty,min=0"`
	To     *int64 `query:"to" json:"to,omitempty" validate:"omitempty,min=0"`
}

type SyncPayload struct {
	SkipJSONToDB bool `json:"skip_json_to_db,omitempty"`
	SkipDBToJSON bool `json:"skip_db_to_json,omitempty"`
}
