package models

import (
	_ "github.com/jmorganca/dam/model/models/toyclip"
)
