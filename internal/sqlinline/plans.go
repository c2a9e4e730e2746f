package sqlinline

const QListPlans = `--sql 0c250488-7699-4d44-9b15-4db4d51291ad
select id, name, price_centavos, duration_days, stripe_price_id, play_product_id
from plans
where active
order by duration_days;
`

const QSelectPlan = `--sql 1bae35e2-60f8-4f1b-905d-e61a2c1e5f2f
select id, name, price_centavos, duration_days, stripe_price_id, play_product_id
from plans
where id = $1::text
limit 1;
`
